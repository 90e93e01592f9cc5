package funding

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StepResult is a caller's report on one plan step.
type StepResult struct {
	SessionID    string
	StepIndex    int
	Status       StepStatus
	TxHash       string
	ErrorMessage string
}

// RecordStepResult applies a step report to the session.
//
// Success must target lastCompletedStep+1 and advances it; a swap success
// rebinds the leg's pending dependents to the realized output, and the final
// success runs verification and finalizes the session. A failure with a
// transaction hash is an on-chain revert and fails the session. A failure
// without one never reached the chain, so the step returns to pending and can
// be rebuilt by Resume.
func (o *Orchestrator) RecordStepResult(ctx context.Context, r StepResult) (*Session, error) {
	if r.Status == StepPending {
		return nil, invalid("status", "pending is not a reportable status")
	}
	if _, err := ParseStepStatus(string(r.Status)); err != nil {
		return nil, invalid("status", "%v", err)
	}
	if r.TxHash != "" && !IsTxHash(r.TxHash) {
		return nil, invalid("tx_hash", "malformed transaction hash %q", r.TxHash)
	}

	unlock, err := o.locker.TryLock(ctx, r.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := o.store.GetSession(ctx, r.SessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("%w: session %s is %s", ErrSessionAlreadyTerminal, s.ID, s.Status)
	}
	if r.StepIndex < 0 || r.StepIndex >= len(s.Steps) {
		return nil, invalid("step_index", "%d outside plan of %d steps", r.StepIndex, len(s.Steps))
	}

	step := s.Steps[r.StepIndex]
	logger := o.logger.With(
		"session_id", s.ID,
		"step_index", r.StepIndex,
		"kind", step.Kind.String(),
		"status", string(r.Status),
	)

	if r.StepIndex <= s.LastCompletedStep {
		// A replayed success for a confirmed step is a no-op.
		if r.Status == StepSuccess && (r.TxHash == "" || strings.EqualFold(r.TxHash, step.TxHash)) {
			logger.DebugContext(ctx, "duplicate success report ignored")
			return s, nil
		}
		return nil, fmt.Errorf("%w: step %d already completed", ErrOutOfOrderStep, r.StepIndex)
	}
	if r.StepIndex != s.LastCompletedStep+1 {
		return nil, fmt.Errorf("%w: expected step %d, got %d", ErrOutOfOrderStep, s.LastCompletedStep+1, r.StepIndex)
	}

	if err := s.transition(StatusInProgress); err != nil {
		return nil, err
	}

	switch r.Status {
	case StepSigning:
		if step.Status != StepPending && step.Status != StepSigning {
			return nil, invalid("status", "step %d is %s", step.Index, step.Status)
		}
		step.Status = StepSigning
		step.Attempts++
		if err := o.persist(ctx, s, "step_signing"); err != nil {
			return nil, err
		}

	case StepConfirming:
		if r.TxHash == "" {
			return nil, invalid("tx_hash", "required when confirming")
		}
		step.Status = StepConfirming
		step.TxHash = r.TxHash
		step.ErrorMessage = ""
		if err := o.persist(ctx, s, "step_confirming"); err != nil {
			return nil, err
		}
		if o.tracker != nil {
			if err := o.tracker.TrackStep(ctx, s.ID, step.Index, r.TxHash); err != nil {
				logger.WarnContext(ctx, "failed to start receipt tracking", "error", err)
			}
		}

	case StepSuccess:
		if r.TxHash != "" {
			step.TxHash = r.TxHash
		}
		if step.TxHash == "" {
			return nil, invalid("tx_hash", "required when reporting success")
		}
		step.Status = StepSuccess
		step.ErrorMessage = ""
		s.LastCompletedStep = step.Index

		if step.Kind.IsSwap() {
			o.rebindOutput(ctx, s, step)
		}
		if s.allStepsSucceeded() {
			o.recordStepMetric(step)
			logger.InfoContext(ctx, "final step confirmed, verifying balances")
			return o.finalize(ctx, s)
		}
		if err := o.persist(ctx, s, "step_succeeded"); err != nil {
			return nil, err
		}

	case StepFailed:
		txHash := r.TxHash
		if txHash == "" {
			txHash = step.TxHash
		}
		failure := DecodeFailure(r.ErrorMessage)

		if txHash == "" {
			// Never broadcast: leave the step rebuildable at the same index.
			step.Status = StepPending
			step.ErrorMessage = failure.Message()
			if err := o.persist(ctx, s, "step_retryable"); err != nil {
				return nil, err
			}
			logger.InfoContext(ctx, "step failed before broadcast", "cause", string(failure.Cause))
			break
		}

		step.Status = StepFailed
		step.TxHash = txHash
		step.ErrorMessage = failure.Message()
		if err := s.transition(StatusFailed); err != nil {
			return nil, err
		}
		s.ErrorMessage = fmt.Sprintf("step %d (%s) failed: %s", step.Index, step.Kind, failure.Message())
		completed := o.now()
		s.CompletedAt = &completed
		if err := o.persist(ctx, s, "failed"); err != nil {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.RecordSessionTransition(string(StatusFailed))
		}
		logger.WarnContext(ctx, "step reverted, session failed",
			"cause", string(failure.Cause),
			"tx_hash", txHash,
			"detail", r.ErrorMessage,
		)
	}

	o.recordStepMetric(step)
	return s, nil
}

// rebindOutput reads what the swap actually delivered and re-encodes the
// pending dependent steps to move exactly that amount. On any read problem
// the dependents keep their minimumOut binding, which the router guarantees.
func (o *Orchestrator) rebindOutput(ctx context.Context, s *Session, swap *Step) {
	var tokenOut common.Address
	switch swap.Kind {
	case StepSwapToGas:
		tokenOut = s.Quotes.Gas.TokenOut
	case StepSwapToCapital:
		tokenOut = s.Quotes.Capital.TokenOut
	default:
		return
	}

	out, err := o.chain.TransferredAmount(ctx, common.HexToHash(swap.TxHash), tokenOut, s.UserAddress)
	if err != nil || out == nil || out.Sign() <= 0 {
		o.logger.WarnContext(ctx, "could not read swap output, keeping minimum binding",
			"session_id", s.ID,
			"step_index", swap.Index,
			"error", err,
		)
		return
	}

	if swap.Kind == StepSwapToGas {
		s.GasLegOut = out
	} else {
		s.CapitalLegOut = out
	}
	if err := o.rebindDependents(s, swap.Kind); err != nil {
		o.logger.ErrorContext(ctx, "failed to rebind dependent steps",
			"session_id", s.ID,
			"step_index", swap.Index,
			"error", err,
		)
	}
}

// finalize runs the verifier and moves the session to its terminal state.
// If the verifier itself cannot read balances the session stays IN_PROGRESS
// with every step successful and Resume retries verification.
func (o *Orchestrator) finalize(ctx context.Context, s *Session) (*Session, error) {
	v, err := o.verifier.Verify(ctx, s)
	if err != nil {
		if perr := o.persist(ctx, s, "verification_pending"); perr != nil {
			return nil, perr
		}
		if o.metrics != nil {
			o.metrics.RecordVerification("error")
		}
		return s, fmt.Errorf("failed to verify balances: %w", err)
	}

	balances := v.Balances
	s.FinalBalances = &balances
	s.Warnings = append(s.Warnings, v.Warnings...)
	completed := o.now()
	s.CompletedAt = &completed

	next := StatusCompleted
	if !v.Valid {
		next = StatusFailed
		s.ErrorMessage = "verification failed: " + strings.Join(v.Errors, "; ")
	}
	if err := s.transition(next); err != nil {
		return nil, err
	}
	if err := o.persist(ctx, s, strings.ToLower(string(next))); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		outcome := "valid"
		if !v.Valid {
			outcome = "shortfall"
		} else if len(v.Warnings) > 0 {
			outcome = "warning"
		}
		o.metrics.RecordVerification(outcome)
		o.metrics.RecordSessionTransition(string(next))
	}

	if !v.Valid {
		o.logger.WarnContext(ctx, "session failed verification", "session_id", s.ID, "errors", v.Errors)
		return s, fmt.Errorf("%w: %s", ErrVerificationShortfall, strings.Join(v.Errors, "; "))
	}
	o.logger.InfoContext(ctx, "session completed", "session_id", s.ID, "warnings", len(v.Warnings))
	return s, nil
}

func (o *Orchestrator) recordStepMetric(st *Step) {
	if o.metrics != nil {
		o.metrics.RecordStepResult(st.Kind.String(), string(st.Status))
	}
}

// IsTxHash reports whether h is a 0x-prefixed 32-byte transaction hash.
func IsTxHash(h string) bool {
	b, err := hexutil.Decode(h)
	return err == nil && len(b) == common.HashLength
}
