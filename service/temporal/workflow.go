package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	defaultReceiptTimeout = 10 * time.Minute
	defaultPollInterval   = 3 * time.Second
)

// TrackStepWorkflow follows one broadcast step transaction to its receipt
// and reports the outcome to the orchestrator, so a session advances even
// if the client that broadcast it goes away.
//
// The workflow performs these steps:
// 1. Wait for the receipt (AwaitReceipt activity, heartbeating)
// 2. Record success, or failure with the decoded revert reason (RecordStepOutcome activity)
func TrackStepWorkflow(ctx workflow.Context, input TrackStepInput) (*TrackStepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TrackStepWorkflow started",
		"session_id", input.SessionID,
		"step_index", input.StepIndex,
		"tx_hash", input.TxHash,
	)

	result := &TrackStepResult{
		SessionID: input.SessionID,
		StepIndex: input.StepIndex,
		TxHash:    input.TxHash,
	}

	timeout := input.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	poll := input.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	awaitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var receipt *AwaitReceiptResult
	err := workflow.ExecuteActivity(awaitCtx, a.AwaitReceipt, AwaitReceiptInput{
		TxHash:       input.TxHash,
		PollInterval: poll,
		Timeout:      timeout,
	}).Get(ctx, &receipt)
	if err != nil {
		logger.Error("receipt await failed", "tx_hash", input.TxHash, "error", err)
		errMsg := fmt.Sprintf("receipt await failed: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("receipt await failed: %w", err)
	}

	result.BlockNumber = receipt.BlockNumber
	result.Success = receipt.Success
	result.RevertReason = receipt.RevertReason

	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    10,
		},
	})

	var recorded *RecordStepOutcomeResult
	err = workflow.ExecuteActivity(recordCtx, a.RecordStepOutcome, RecordStepOutcomeInput{
		SessionID:         input.SessionID,
		StepIndex:         input.StepIndex,
		TxHash:            input.TxHash,
		Success:           receipt.Success,
		RevertReason:      receipt.RevertReason,
		TrackingStartedAt: workflow.GetInfo(ctx).WorkflowStartTime,
	}).Get(ctx, &recorded)
	if err != nil {
		logger.Error("failed to record step outcome", "session_id", input.SessionID, "error", err)
		errMsg := fmt.Sprintf("failed to record step outcome: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to record step outcome: %w", err)
	}

	result.SessionStatus = recorded.SessionStatus
	result.Skipped = recorded.Skipped

	logger.Info("TrackStepWorkflow completed",
		"session_id", input.SessionID,
		"step_index", input.StepIndex,
		"success", result.Success,
		"session_status", result.SessionStatus,
		"skipped", result.Skipped,
	)

	return result, nil
}
