package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.temporal.io/sdk/activity"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// TrackStepInput contains the input parameters for tracking a step transaction.
type TrackStepInput struct {
	SessionID      string        `json:"session_id"`
	StepIndex      int           `json:"step_index"`
	TxHash         string        `json:"tx_hash"`
	ReceiptTimeout time.Duration `json:"receipt_timeout"`
	PollInterval   time.Duration `json:"poll_interval"`
}

// TrackStepResult contains the result of tracking a step transaction.
type TrackStepResult struct {
	SessionID     string                `json:"session_id"`
	StepIndex     int                   `json:"step_index"`
	TxHash        string                `json:"tx_hash"`
	BlockNumber   uint64                `json:"block_number"`
	Success       bool                  `json:"success"`
	RevertReason  string                `json:"revert_reason,omitempty"`
	SessionStatus funding.SessionStatus `json:"session_status,omitempty"`
	Skipped       bool                  `json:"skipped"` // Outcome was already recorded by the caller
	Error         *string               `json:"error,omitempty"`
}

// AwaitReceiptInput contains parameters for the AwaitReceipt activity.
type AwaitReceiptInput struct {
	TxHash       string        `json:"tx_hash"`
	PollInterval time.Duration `json:"poll_interval"`
	Timeout      time.Duration `json:"timeout"`
}

// AwaitReceiptResult contains the mined outcome of a transaction.
type AwaitReceiptResult struct {
	BlockNumber  uint64 `json:"block_number"`
	GasUsed      uint64 `json:"gas_used"`
	Success      bool   `json:"success"`
	RevertReason string `json:"revert_reason,omitempty"`
}

// RecordStepOutcomeInput contains parameters for the RecordStepOutcome activity.
type RecordStepOutcomeInput struct {
	SessionID         string    `json:"session_id"`
	StepIndex         int       `json:"step_index"`
	TxHash            string    `json:"tx_hash"`
	Success           bool      `json:"success"`
	RevertReason      string    `json:"revert_reason,omitempty"`
	TrackingStartedAt time.Time `json:"tracking_started_at"`
}

// RecordStepOutcomeResult contains the session state after recording.
type RecordStepOutcomeResult struct {
	SessionStatus funding.SessionStatus `json:"session_status,omitempty"`
	Skipped       bool                  `json:"skipped"`
}

// ReceiptClientInterface defines the chain operations needed by activities.
// This allows for easy mocking in tests.
type ReceiptClientInterface interface {
	WaitForReceipt(ctx context.Context, txHash common.Hash, poll, timeout time.Duration) (*types.Receipt, error)
	RevertReason(ctx context.Context, txHash common.Hash) (string, error)
}

// StepRecorderInterface is the orchestrator operation activities report to.
type StepRecorderInterface interface {
	RecordStepResult(ctx context.Context, r funding.StepResult) (*funding.Session, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	receipts ReceiptClientInterface
	recorder StepRecorderInterface
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(receipts ReceiptClientInterface, recorder StepRecorderInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		receipts: receipts,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

func (a *Activities) observe(name string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(name, time.Since(start).Seconds())
	}
}

// AwaitReceipt polls until the transaction is mined. For a reverted
// transaction it also replays the call to recover the revert reason.
func (a *Activities) AwaitReceipt(ctx context.Context, input AwaitReceiptInput) (*AwaitReceiptResult, error) {
	defer a.observe("AwaitReceipt", time.Now())

	if !funding.IsTxHash(input.TxHash) {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("malformed transaction hash %q", input.TxHash), "InvalidTxHash", nil)
	}
	hash := common.HexToHash(input.TxHash)

	a.logger.InfoContext(ctx, "waiting for receipt", "tx_hash", input.TxHash)

	// Send heartbeats while waiting
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, "waiting for receipt")
			}
		}
	}()

	receipt, err := a.receipts.WaitForReceipt(ctx, hash, input.PollInterval, input.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", input.TxHash, err)
	}

	result := &AwaitReceiptResult{
		GasUsed: receipt.GasUsed,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if !result.Success {
		reason, err := a.receipts.RevertReason(ctx, hash)
		if err != nil {
			a.logger.WarnContext(ctx, "could not recover revert reason", "tx_hash", input.TxHash, "error", err)
			reason = "execution reverted"
		}
		result.RevertReason = reason
	}

	a.logger.InfoContext(ctx, "receipt received",
		"tx_hash", input.TxHash,
		"block", result.BlockNumber,
		"success", result.Success,
		"revert_reason", result.RevertReason,
	)
	return result, nil
}

// RecordStepOutcome reports the mined outcome to the orchestrator. Reports
// the orchestrator has already moved past (a terminal session, a step the
// caller already confirmed) count as recorded. A busy session is retried.
func (a *Activities) RecordStepOutcome(ctx context.Context, input RecordStepOutcomeInput) (*RecordStepOutcomeResult, error) {
	defer a.observe("RecordStepOutcome", time.Now())

	report := funding.StepResult{
		SessionID: input.SessionID,
		StepIndex: input.StepIndex,
		Status:    funding.StepSuccess,
		TxHash:    input.TxHash,
	}
	outcome := "success"
	if !input.Success {
		report.Status = funding.StepFailed
		report.ErrorMessage = input.RevertReason
		outcome = "reverted"
	}

	s, err := a.recorder.RecordStepResult(ctx, report)
	result := &RecordStepOutcomeResult{}
	if s != nil {
		result.SessionStatus = s.Status
	}

	switch {
	case err == nil:
	case errors.Is(err, funding.ErrSessionAlreadyTerminal), errors.Is(err, funding.ErrOutOfOrderStep):
		a.logger.InfoContext(ctx, "step outcome already recorded",
			"session_id", input.SessionID,
			"step_index", input.StepIndex,
			"reason", err,
		)
		result.Skipped = true
		outcome = "skipped"
	case errors.Is(err, funding.ErrValidation), errors.Is(err, funding.ErrSessionNotFound):
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidStepReport", err)
	case s != nil:
		// The outcome was persisted; only verification did not settle.
		a.logger.WarnContext(ctx, "step recorded, session not settled",
			"session_id", input.SessionID,
			"session_status", s.Status,
			"error", err,
		)
	default:
		return nil, fmt.Errorf("failed to record step %d of session %s: %w", input.StepIndex, input.SessionID, err)
	}

	if a.metrics != nil && !input.TrackingStartedAt.IsZero() {
		a.metrics.RecordWorkflowDuration(outcome, time.Since(input.TrackingStartedAt).Seconds())
	}

	a.logger.InfoContext(ctx, "step outcome recorded",
		"session_id", input.SessionID,
		"step_index", input.StepIndex,
		"outcome", outcome,
		"session_status", result.SessionStatus,
	)
	return result, nil
}
