package dex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Adapter quotes and encodes swaps for one AMM flavor.
type Adapter interface {
	Protocol() funding.Protocol
	Router() common.Address
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (expectedOut *big.Int, feeTier uint32, err error)
	EncodeSwap(q *funding.SwapQuote, recipient common.Address, deadline time.Time) ([]byte, error)
}

// Service is the QuoteService. It fans a quote out to every configured
// adapter and returns the one with the largest output.
type Service struct {
	adapters map[funding.Protocol]Adapter
	caller   ethereum.ContractCaller
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	decimals map[common.Address]int32
}

// NewService creates a quote service over adapters. caller is used to read
// ERC20 decimals for tokens not registered with SetDecimals.
func NewService(caller ethereum.ContractCaller, logger *slog.Logger, adapters ...Adapter) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[funding.Protocol]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Protocol()] = a
	}
	return &Service{
		adapters: m,
		caller:   caller,
		logger:   logger.With("component", "quote_service"),
		now:      func() time.Time { return time.Now().UTC() },
		decimals: make(map[common.Address]int32),
	}
}

// SetDecimals registers a token's decimals so no RPC is needed to price it.
func (s *Service) SetDecimals(token common.Address, decimals int32) {
	s.mu.Lock()
	s.decimals[token] = decimals
	s.mu.Unlock()
}

// Adapter returns the adapter for p.
func (s *Service) Adapter(p funding.Protocol) (Adapter, bool) {
	a, ok := s.adapters[p]
	return a, ok
}

// GetQuote quotes every adapter concurrently and returns the best output.
func (s *Service) GetQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*funding.SwapQuote, error) {
	if err := checkQuoteArgs(tokenIn, tokenOut, amountIn, slippageBps); err != nil {
		return nil, err
	}
	if len(s.adapters) == 0 {
		return nil, fmt.Errorf("%w: no dex adapters configured", funding.ErrQuoteUnavailable)
	}

	var (
		mu   sync.Mutex
		best *funding.SwapQuote
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.adapters {
		g.Go(func() error {
			q, err := s.quote(gctx, a, tokenIn, tokenOut, amountIn, slippageBps)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Protocol(), err))
				return nil
			}
			if best == nil || q.ExpectedOut.Cmp(best.ExpectedOut) > 0 ||
				(q.ExpectedOut.Cmp(best.ExpectedOut) == 0 && q.Protocol < best.Protocol) {
				best = q
			}
			return nil
		})
	}
	_ = g.Wait()

	if best == nil {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.logger.DebugContext(ctx, "some adapters failed to quote", "errors", errors.Join(errs...).Error())
	}
	return best, nil
}

// GetQuoteFrom quotes a single protocol.
func (s *Service) GetQuoteFrom(ctx context.Context, p funding.Protocol, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*funding.SwapQuote, error) {
	if err := checkQuoteArgs(tokenIn, tokenOut, amountIn, slippageBps); err != nil {
		return nil, err
	}
	a, ok := s.adapters[p]
	if !ok {
		return nil, fmt.Errorf("protocol %q is not configured", p)
	}
	return s.quote(ctx, a, tokenIn, tokenOut, amountIn, slippageBps)
}

func checkQuoteArgs(tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) error {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return fmt.Errorf("%w: quote amount must be positive", funding.ErrInvalidAmount)
	}
	if tokenIn == tokenOut {
		return fmt.Errorf("%w: token in and out are both %s", funding.ErrValidation, tokenIn.Hex())
	}
	if slippageBps >= funding.BpsDenominator {
		return fmt.Errorf("%w: slippage %d bps", funding.ErrValidation, slippageBps)
	}
	return nil
}

func (s *Service) quote(ctx context.Context, a Adapter, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*funding.SwapQuote, error) {
	expected, fee, err := a.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if expected == nil || expected.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s returned no output", funding.ErrQuoteUnavailable, a.Protocol())
	}

	rate, err := s.rate(ctx, tokenIn, tokenOut, amountIn, expected)
	if err != nil {
		// The rate is informational.
		s.logger.WarnContext(ctx, "failed to compute quote rate", "error", err)
	}

	return &funding.SwapQuote{
		Protocol:    a.Protocol(),
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    new(big.Int).Set(amountIn),
		ExpectedOut: expected,
		MinimumOut:  funding.MinimumOut(expected, slippageBps),
		FeeTier:     fee,
		SlippageBps: slippageBps,
		Rate:        rate,
		QuotedAt:    s.now(),
	}, nil
}

// rate is whole output tokens per whole input token.
func (s *Service) rate(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int) (decimal.Decimal, error) {
	decIn, err := s.tokenDecimals(ctx, tokenIn)
	if err != nil {
		return decimal.Zero, err
	}
	decOut, err := s.tokenDecimals(ctx, tokenOut)
	if err != nil {
		return decimal.Zero, err
	}
	in := decimal.NewFromBigInt(amountIn, -decIn)
	out := decimal.NewFromBigInt(amountOut, -decOut)
	return out.DivRound(in, 18), nil
}

func (s *Service) tokenDecimals(ctx context.Context, token common.Address) (int32, error) {
	s.mu.RLock()
	d, ok := s.decimals[token]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}
	if s.caller == nil {
		return 0, fmt.Errorf("decimals unknown for %s", token.Hex())
	}

	data, err := ERC20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read decimals of %s: %w", token.Hex(), err)
	}
	res, err := ERC20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals of %s: %w", token.Hex(), err)
	}
	u8, ok := res[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals result for %s", token.Hex())
	}

	s.SetDecimals(token, int32(u8))
	return int32(u8), nil
}
