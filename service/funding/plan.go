package funding

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// quoteWithRetry retries ErrQuoteUnavailable with exponential backoff.
// Any other error is returned immediately. An empty protocol lets the
// quoter pick the best route.
func (o *Orchestrator) quoteWithRetry(ctx context.Context, protocol Protocol, tokenIn, tokenOut common.Address, amountIn *big.Int) (*SwapQuote, error) {
	backoff := o.cfg.QuoteInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= o.cfg.QuoteMaxAttempts; attempt++ {
		var q *SwapQuote
		var err error
		if protocol == "" {
			q, err = o.quoter.GetQuote(ctx, tokenIn, tokenOut, amountIn, o.cfg.SlippageBps)
		} else {
			q, err = o.quoter.GetQuoteFrom(ctx, protocol, tokenIn, tokenOut, amountIn, o.cfg.SlippageBps)
		}
		if err == nil {
			if o.metrics != nil {
				o.metrics.RecordQuoteAttempt(string(q.Protocol), "success")
			}
			return q, nil
		}

		if o.metrics != nil {
			label := string(protocol)
			if label == "" {
				label = "any"
			}
			o.metrics.RecordQuoteAttempt(label, "error")
		}
		if !errors.Is(err, ErrQuoteUnavailable) {
			return nil, err
		}
		lastErr = err

		o.logger.WarnContext(ctx, "quote unavailable",
			"token_in", tokenIn.Hex(),
			"token_out", tokenOut.Hex(),
			"attempt", attempt,
			"error", err,
		)
		if attempt == o.cfg.QuoteMaxAttempts {
			break
		}
		if err := o.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrPrepareFailed, o.cfg.QuoteMaxAttempts, lastErr)
}

// quoteLegs quotes both legs concurrently. Both swaps must go through the
// same router so a single approval covers them; if best-route selection
// split them, the capital leg is re-quoted on the gas leg's protocol.
func (o *Orchestrator) quoteLegs(ctx context.Context, gasAmount, capitalAmount *big.Int) (gasQuote, capitalQuote *SwapQuote, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := o.quoteWithRetry(gctx, o.cfg.Protocol, o.cfg.DepositToken, o.cfg.WrappedNative, gasAmount)
		gasQuote = q
		return err
	})
	g.Go(func() error {
		q, err := o.quoteWithRetry(gctx, o.cfg.Protocol, o.cfg.DepositToken, o.cfg.CapitalToken, capitalAmount)
		capitalQuote = q
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if gasQuote.Protocol != capitalQuote.Protocol {
		capitalQuote, err = o.quoteWithRetry(ctx, gasQuote.Protocol, o.cfg.DepositToken, o.cfg.CapitalToken, capitalAmount)
		if err != nil {
			return nil, nil, err
		}
	}
	return gasQuote, capitalQuote, nil
}

// buildPlan assembles the ordered step list. The approval is skipped when
// the depositor's allowance for the router already covers the deposit.
func (o *Orchestrator) buildPlan(ctx context.Context, s *Session) ([]*Step, error) {
	spender, err := o.builder.Spender(s.Quotes.Gas.Protocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}
	allowance, err := o.chain.Allowance(ctx, o.cfg.DepositToken, s.UserAddress, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}

	kinds := []StepKind{StepSwapToGas, StepUnwrap, StepTransferGas, StepSwapToCapital, StepTransferCapital}
	if allowance.Cmp(s.TotalAmount) < 0 {
		kinds = append([]StepKind{StepApprove}, kinds...)
	}

	steps := make([]*Step, len(kinds))
	for i, k := range kinds {
		st := &Step{Index: i, Kind: k, Status: StepPending}
		if err := o.encodeStep(s, st); err != nil {
			return nil, fmt.Errorf("%w: build %s: %v", ErrPrepareFailed, k, err)
		}
		steps[i] = st
	}
	return steps, nil
}

// legOutput is the amount a leg's dependent steps move: the realized swap
// output once known, the quote's minimumOut before that.
func (s *Session) legOutput(k StepKind) *big.Int {
	switch k {
	case StepSwapToGas:
		if s.GasLegOut != nil {
			return s.GasLegOut
		}
		return s.Quotes.Gas.MinimumOut
	case StepSwapToCapital:
		if s.CapitalLegOut != nil {
			return s.CapitalLegOut
		}
		return s.Quotes.Capital.MinimumOut
	}
	return nil
}

// dependents lists the step kinds that spend a swap's output.
func dependents(k StepKind) []StepKind {
	switch k {
	case StepSwapToGas:
		return []StepKind{StepUnwrap, StepTransferGas}
	case StepSwapToCapital:
		return []StepKind{StepTransferCapital}
	}
	return nil
}

// encodeStep fills target, calldata, value and description for st from the
// session's current quotes and leg outputs. Only pending steps are encoded.
func (o *Orchestrator) encodeStep(s *Session, st *Step) error {
	if st.Status != StepPending {
		return fmt.Errorf("step %d is %s and can no longer be rebuilt", st.Index, st.Status)
	}

	var (
		tx  TxRequest
		err error
	)
	switch st.Kind {
	case StepApprove:
		var spender common.Address
		spender, err = o.builder.Spender(s.Quotes.Gas.Protocol)
		if err != nil {
			return err
		}
		tx, err = o.builder.BuildApproval(o.cfg.DepositToken, spender, s.TotalAmount)
		st.Protocol = s.Quotes.Gas.Protocol
		st.Description = fmt.Sprintf("Approve %s router to spend %s deposit units", st.Protocol, s.TotalAmount)

	case StepSwapToGas:
		q := s.Quotes.Gas
		tx, err = o.builder.BuildSwap(q, s.UserAddress, o.cfg.SwapDeadlineMinutes)
		st.Protocol = q.Protocol
		st.Description = fmt.Sprintf("Swap %s deposit units for at least %s wrapped native", q.AmountIn, q.MinimumOut)

	case StepUnwrap:
		amount := s.legOutput(StepSwapToGas)
		tx, err = o.builder.BuildUnwrap(amount)
		st.Description = fmt.Sprintf("Unwrap %s wrapped native", amount)

	case StepTransferGas:
		amount := s.legOutput(StepSwapToGas)
		tx = o.builder.BuildNativeTransfer(s.OperatorAddress, amount)
		st.Description = fmt.Sprintf("Send %s native to operator %s", amount, s.OperatorAddress.Hex())

	case StepSwapToCapital:
		q := s.Quotes.Capital
		tx, err = o.builder.BuildSwap(q, s.UserAddress, o.cfg.SwapDeadlineMinutes)
		st.Protocol = q.Protocol
		st.Description = fmt.Sprintf("Swap %s deposit units for at least %s capital token", q.AmountIn, q.MinimumOut)

	case StepTransferCapital:
		amount := s.legOutput(StepSwapToCapital)
		tx, err = o.builder.BuildTokenTransfer(o.cfg.CapitalToken, s.CapitalAddress, amount)
		st.Description = fmt.Sprintf("Send %s capital token to %s", amount, s.CapitalAddress.Hex())

	default:
		return fmt.Errorf("unknown step kind %s", st.Kind)
	}
	if err != nil {
		return err
	}
	st.apply(tx)
	return nil
}

// rebindDependents re-encodes the still-pending steps that spend the output of swap k.
func (o *Orchestrator) rebindDependents(s *Session, k StepKind) error {
	for _, dk := range dependents(k) {
		st := s.stepOfKind(dk)
		if st == nil || st.Status != StepPending {
			continue
		}
		if err := o.encodeStep(s, st); err != nil {
			return err
		}
	}
	return nil
}
