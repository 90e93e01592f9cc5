package funding

import (
	"context"
	"fmt"
	"math/big"
)

// Resume returns the remaining plan from lastCompletedStep+1.
//
// Unexecuted swaps are rebuilt against a fresh quote when their quote has aged
// past the validity window or their last attempt failed before broadcast. A
// swap counts as unexecuted while it is pending, or signing with no tx hash
// recorded; a rebuilt signing swap goes back to pending so the caller signs
// the new payload. The quote is pinned to the swap's original protocol so the
// existing approval still applies. A swap with a tx hash is never rebuilt. A
// session whose steps all succeeded but was never finalized is verified here.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*Session, []*Step, error) {
	unlock, err := o.locker.TryLock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	s, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.Status.Terminal() {
		return s, nil, fmt.Errorf("%w: session %s is %s", ErrSessionAlreadyTerminal, s.ID, s.Status)
	}
	if s.allStepsSucceeded() {
		s, err = o.finalize(ctx, s)
		return s, nil, err
	}

	logger := o.logger.With("session_id", s.ID, "last_completed_step", s.LastCompletedStep)
	now := o.now()
	changed := false

	for _, kind := range []StepKind{StepSwapToGas, StepSwapToCapital} {
		swap := s.stepOfKind(kind)
		if swap == nil || !swap.unexecuted() {
			continue
		}
		q := s.legQuote(kind)
		if !q.Stale(now, o.cfg.QuoteValidity) && swap.ErrorMessage == "" {
			continue
		}

		fresh, err := o.quoteWithRetry(ctx, q.Protocol, q.TokenIn, q.TokenOut, q.AmountIn)
		if err != nil {
			logger.WarnContext(ctx, "failed to refresh quote", "kind", kind.String(), "error", err)
			return nil, nil, err
		}
		s.setLegQuote(kind, fresh)
		s.Quotes.CapturedAt = now

		if err := o.encodeStep(s, swap); err != nil {
			return nil, nil, err
		}
		if err := o.rebindDependents(s, kind); err != nil {
			return nil, nil, err
		}
		abandoned := swap.Status == StepSigning
		swap.Status = StepPending
		swap.ErrorMessage = ""
		changed = true
		logger.InfoContext(ctx, "refreshed quote for unexecuted swap",
			"kind", kind.String(),
			"step_index", swap.Index,
			"abandoned_signing", abandoned,
			"quote_age", now.Sub(q.QuotedAt).String(),
			"minimum_out", fresh.MinimumOut.String(),
		)
	}

	// A non-swap step that failed before broadcast is rebuilt on its own.
	for _, st := range s.Steps[s.LastCompletedStep+1:] {
		if st.Kind.IsSwap() || st.Status != StepPending || st.ErrorMessage == "" {
			continue
		}
		if err := o.encodeStep(s, st); err != nil {
			return nil, nil, err
		}
		st.ErrorMessage = ""
		changed = true
	}

	if err := o.checkAllowance(ctx, s); err != nil {
		return nil, nil, err
	}

	if changed {
		if _, err := o.estimate(ctx, s); err != nil {
			logger.WarnContext(ctx, "failed to re-estimate gas", "error", err)
		}
		if err := o.persist(ctx, s, "resumed"); err != nil {
			return nil, nil, err
		}
	}

	return s, s.Remaining(), nil
}

// checkAllowance verifies the router can still pull the pending swap inputs
// when no unexecuted approval step is left to grant it.
func (o *Orchestrator) checkAllowance(ctx context.Context, s *Session) error {
	if approve := s.stepOfKind(StepApprove); approve != nil && approve.Status != StepSuccess {
		return nil
	}

	need := new(big.Int)
	for _, kind := range []StepKind{StepSwapToGas, StepSwapToCapital} {
		if swap := s.stepOfKind(kind); swap != nil && swap.unexecuted() {
			need.Add(need, s.legQuote(kind).AmountIn)
		}
	}
	if need.Sign() == 0 {
		return nil
	}

	spender, err := o.builder.Spender(s.Quotes.Gas.Protocol)
	if err != nil {
		return err
	}
	allowance, err := o.chain.Allowance(ctx, o.cfg.DepositToken, s.UserAddress, spender)
	if err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(need) < 0 {
		return fmt.Errorf("%w: router allowance %s below remaining swap input %s", ErrInsufficientAllowance, allowance, need)
	}
	return nil
}

// unexecuted reports whether the step never reached the chain.
func (s *Step) unexecuted() bool {
	if s.TxHash != "" {
		return false
	}
	return s.Status == StepPending || s.Status == StepSigning
}

func (s *Session) legQuote(k StepKind) *SwapQuote {
	if k == StepSwapToGas {
		return s.Quotes.Gas
	}
	return s.Quotes.Capital
}

func (s *Session) setLegQuote(k StepKind, q *SwapQuote) {
	if k == StepSwapToGas {
		s.Quotes.Gas = q
		return
	}
	s.Quotes.Capital = q
}
