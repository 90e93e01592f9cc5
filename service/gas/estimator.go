package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/shopspring/decimal"
)

// Gas units per step kind. Conservative upper bounds for single-hop
// routers; wallets re-estimate before signing.
const (
	ApproveGas        uint64 = 60_000
	SwapV2Gas         uint64 = 150_000
	SwapV3Gas         uint64 = 185_000
	UnwrapGas         uint64 = 45_000
	NativeTransferGas uint64 = 21_000
	TokenTransferGas  uint64 = 65_000
)

const nativeDecimals = 18

// GasPricer returns the live gas price in wei. *chain.Client satisfies it.
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Estimator prices a plan at the live gas price. The fiat figure comes from
// the first price source that answers; when none does the estimate is still
// returned with a zero fiat amount.
type Estimator struct {
	pricer  GasPricer
	sources []PriceSource
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEstimator creates an estimator. Sources are tried in order.
// If metrics is nil, no metrics will be recorded.
func NewEstimator(pricer GasPricer, m *metrics.Metrics, logger *slog.Logger, sources ...PriceSource) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		pricer:  pricer,
		sources: sources,
		metrics: m,
		logger:  logger.With("component", "gas"),
	}
}

// UnitsFor returns the gas units budgeted for a step.
func UnitsFor(st *funding.Step) uint64 {
	switch st.Kind {
	case funding.StepApprove:
		return ApproveGas
	case funding.StepSwapToGas, funding.StepSwapToCapital:
		if st.Protocol == funding.ProtocolV3 {
			return SwapV3Gas
		}
		return SwapV2Gas
	case funding.StepUnwrap:
		return UnwrapGas
	case funding.StepTransferGas:
		return NativeTransferGas
	case funding.StepTransferCapital:
		return TokenTransferGas
	}
	return 0
}

func (e *Estimator) Estimate(ctx context.Context, steps []*funding.Step) (*funding.GasCostEstimate, error) {
	price, err := e.pricer.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	est := &funding.GasCostEstimate{
		PerStep:         make([]funding.StepGas, 0, len(steps)),
		GasPrice:        new(big.Int).Set(price),
		AggregateNative: new(big.Int),
		AggregateFiat:   decimal.Zero,
		FiatSource:      "unavailable",
	}
	for _, st := range steps {
		units := UnitsFor(st)
		cost := new(big.Int).Mul(new(big.Int).SetUint64(units), price)
		est.PerStep = append(est.PerStep, funding.StepGas{
			Index:    st.Index,
			Kind:     st.Kind,
			GasUnits: units,
			CostWei:  cost,
		})
		est.AggregateNative.Add(est.AggregateNative, cost)
	}

	usd, source, ok := e.nativeUSD(ctx)
	if ok {
		native := decimal.NewFromBigInt(est.AggregateNative, -nativeDecimals)
		est.AggregateFiat = native.Mul(usd).Round(2)
		est.FiatSource = source
	}
	return est, nil
}

func (e *Estimator) nativeUSD(ctx context.Context) (decimal.Decimal, string, bool) {
	for _, src := range e.sources {
		usd, err := src.NativeUSD(ctx)
		if e.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			e.metrics.RecordPriceFetch(src.Name(), status)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "native price unavailable", "source", src.Name(), "error", err)
			continue
		}
		return usd, src.Name(), true
	}
	return decimal.Zero, "", false
}
