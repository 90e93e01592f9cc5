package funding

import (
	"fmt"
	"math/big"
)

const (
	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10000

	DefaultGasBps     = 500
	DefaultCapitalBps = 9500
)

// ComputeSplit divides total into a gas reserve and trading capital.
// gasAmount is floor(total * gasBps / 10000) and capitalAmount takes the
// remainder, so gasAmount + capitalAmount == total always holds.
func ComputeSplit(total *big.Int, gasBps, capitalBps uint32) (gasAmount, capitalAmount *big.Int, err error) {
	if total == nil || total.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: total must be positive", ErrInvalidAmount)
	}
	if uint64(gasBps)+uint64(capitalBps) != BpsDenominator {
		return nil, nil, fmt.Errorf("%w: gas bps %d + capital bps %d != %d",
			ErrInvalidAmount, gasBps, capitalBps, BpsDenominator)
	}

	gasAmount = new(big.Int).Mul(total, big.NewInt(int64(gasBps)))
	gasAmount.Quo(gasAmount, big.NewInt(BpsDenominator))
	capitalAmount = new(big.Int).Sub(total, gasAmount)
	return gasAmount, capitalAmount, nil
}
