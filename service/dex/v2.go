package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// V2 adapts a constant-product router (getAmountsOut / swapExactTokensForTokens).
type V2 struct {
	router common.Address
	caller ethereum.ContractCaller
}

// NewV2 creates a V2 adapter for the router at routerAddr.
func NewV2(routerAddr common.Address, caller ethereum.ContractCaller) *V2 {
	return &V2{router: routerAddr, caller: caller}
}

func (v *V2) Protocol() funding.Protocol { return funding.ProtocolV2 }

func (v *V2) Router() common.Address { return v.router }

// Quote asks the router for the output of a direct tokenIn -> tokenOut hop.
// V2 pools have a single fee, reported as tier 0.
func (v *V2) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, uint32, error) {
	data, err := V2RouterABI.Pack("getAmountsOut", amountIn, []common.Address{tokenIn, tokenOut})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to pack getAmountsOut: %w", err)
	}

	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &v.router, Data: data}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: getAmountsOut: %v", funding.ErrQuoteUnavailable, err)
	}

	res, err := V2RouterABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: unpack getAmountsOut: %v", funding.ErrQuoteUnavailable, err)
	}
	amounts, ok := res[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, 0, fmt.Errorf("%w: unexpected getAmountsOut result", funding.ErrQuoteUnavailable)
	}
	return amounts[len(amounts)-1], 0, nil
}

// EncodeSwap encodes swapExactTokensForTokens with amountOutMin = q.MinimumOut.
func (v *V2) EncodeSwap(q *funding.SwapQuote, recipient common.Address, deadline time.Time) ([]byte, error) {
	return V2RouterABI.Pack("swapExactTokensForTokens",
		q.AmountIn,
		q.MinimumOut,
		[]common.Address{q.TokenIn, q.TokenOut},
		recipient,
		big.NewInt(deadline.Unix()),
	)
}
