package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// DefaultToleranceBps accepts a leg that delivered at least 90% of its quote.
const DefaultToleranceBps = 9000

const (
	LegGas     = "gas"
	LegCapital = "capital"
)

// BalanceReader is the read-only chain surface the verifier needs.
type BalanceReader interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Verifier checks what actually arrived at the operator and capital
// wallets against the quoted expectations. It never writes.
type Verifier struct {
	chain        BalanceReader
	capitalToken common.Address
	toleranceBps uint32
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a verifier. toleranceBps of 0 means DefaultToleranceBps.
func New(chain BalanceReader, capitalToken common.Address, toleranceBps uint32, logger *slog.Logger) (*Verifier, error) {
	if toleranceBps == 0 {
		toleranceBps = DefaultToleranceBps
	}
	if toleranceBps > funding.BpsDenominator {
		return nil, fmt.Errorf("tolerance %d bps exceeds %d", toleranceBps, funding.BpsDenominator)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		chain:        chain,
		capitalToken: capitalToken,
		toleranceBps: toleranceBps,
		now:          time.Now,
		logger:       logger.With("component", "verify"),
	}, nil
}

func (v *Verifier) Verify(ctx context.Context, s *funding.Session) (*funding.Verification, error) {
	var native, capital *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		native, err = v.chain.NativeBalance(gctx, s.OperatorAddress)
		return err
	})
	g.Go(func() (err error) {
		capital, err = v.chain.TokenBalance(gctx, v.capitalToken, s.CapitalAddress)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read final balances: %w", err)
	}

	res := &funding.Verification{
		Valid: true,
		Balances: funding.Balances{
			OperatorNative: native,
			CapitalToken:   capital,
			ObservedAt:     v.now(),
		},
	}

	var baseNative, baseCapital *big.Int
	if s.Baseline != nil {
		baseNative, baseCapital = s.Baseline.OperatorNative, s.Baseline.CapitalToken
	}

	v.check(res, LegGas, expectedOut(s.Quotes.Gas, s.GasLegOut), delta(native, baseNative))
	v.check(res, LegCapital, expectedOut(s.Quotes.Capital, s.CapitalLegOut), delta(capital, baseCapital))

	v.logger.DebugContext(ctx, "verified balances",
		"session_id", s.ID,
		"valid", res.Valid,
		"errors", len(res.Errors),
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// check compares one leg and records an error below tolerance or a warning
// below expectation.
func (v *Verifier) check(res *funding.Verification, leg string, expected, actual *big.Int) {
	lc := funding.LegCheck{Leg: leg, Expected: expected, Actual: actual, Ratio: decimal.Zero}
	if expected == nil || expected.Sign() <= 0 {
		res.Legs = append(res.Legs, lc)
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s leg: no expected amount to verify against", leg))
		return
	}

	lc.Ratio = decimal.NewFromBigInt(actual, 0).DivRound(decimal.NewFromBigInt(expected, 0), 6)
	res.Legs = append(res.Legs, lc)

	// actual * 10000 < expected * tolerance
	lhs := new(big.Int).Mul(actual, big.NewInt(funding.BpsDenominator))
	rhs := new(big.Int).Mul(expected, big.NewInt(int64(v.toleranceBps)))
	switch {
	case lhs.Cmp(rhs) < 0:
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(
			"%s leg: received %s of expected %s (%s%%), below %s%% tolerance",
			leg, actual, expected, percent(lc.Ratio), bpsPercent(v.toleranceBps)))
	case actual.Cmp(expected) < 0:
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s leg: received %s of expected %s (%s%%)",
			leg, actual, expected, percent(lc.Ratio)))
	}
}

// expectedOut prefers the quote and falls back to the observed swap output.
func expectedOut(q *funding.SwapQuote, observed *big.Int) *big.Int {
	if q != nil && q.ExpectedOut != nil {
		return q.ExpectedOut
	}
	return observed
}

// delta is current - baseline, floored at zero.
func delta(current, baseline *big.Int) *big.Int {
	d := new(big.Int).Set(current)
	if baseline != nil {
		d.Sub(d, baseline)
	}
	if d.Sign() < 0 {
		d.SetInt64(0)
	}
	return d
}

func percent(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(2)
}

func bpsPercent(bps uint32) string {
	return decimal.New(int64(bps), -2).StringFixed(2)
}
