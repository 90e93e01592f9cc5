package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.temporal.io/sdk/client"
)

// Client starts and inspects receipt tracking workflows. It implements
// funding.Tracker.
type Client struct {
	client         client.Client
	taskQueue      string
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:         c,
		taskQueue:      taskQueue,
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
		logger:         logger,
	}, nil
}

// SetReceiptPolling overrides how tracking workflows poll for receipts.
// Zero values keep the defaults.
func (c *Client) SetReceiptPolling(poll, timeout time.Duration) {
	if poll > 0 {
		c.pollInterval = poll
	}
	if timeout > 0 {
		c.receiptTimeout = timeout
	}
}

// TrackStep starts a TrackStepWorkflow for a broadcast step. Starting the
// same step twice attaches to the running workflow instead of failing.
func (c *Client) TrackStep(ctx context.Context, sessionID string, stepIndex int, txHash string) error {
	id := trackingWorkflowID(sessionID, stepIndex)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		// Long enough for the receipt wait plus recording retries
		WorkflowExecutionTimeout: c.receiptTimeout + 30*time.Minute,
		Memo: map[string]interface{}{
			"session_id": sessionID,
			"step_index": stepIndex,
			"tx_hash":    txHash,
		},
	}, TrackStepWorkflow, TrackStepInput{
		SessionID:      sessionID,
		StepIndex:      stepIndex,
		TxHash:         txHash,
		ReceiptTimeout: c.receiptTimeout,
		PollInterval:   c.pollInterval,
	})
	if err != nil {
		c.logger.Error("failed to start step tracking",
			"session_id", sessionID,
			"step_index", stepIndex,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("step tracking started",
		"session_id", sessionID,
		"step_index", stepIndex,
		"tx_hash", txHash,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// GetTrackingResult blocks until the tracking workflow for a step finishes
// and returns its result.
func (c *Client) GetTrackingResult(ctx context.Context, sessionID string, stepIndex int) (*TrackStepResult, error) {
	id := trackingWorkflowID(sessionID, stepIndex)
	var result TrackStepResult
	if err := c.client.GetWorkflow(ctx, id, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to get result of workflow %q: %w", id, err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func trackingWorkflowID(sessionID string, stepIndex int) string {
	return "track-step-" + sessionID + "-" + strconv.Itoa(stepIndex)
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
