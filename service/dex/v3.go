package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// DefaultFeeTiers are the pool fees probed when no tier is pinned for a token.
var DefaultFeeTiers = []uint32{500, 3000, 10000}

type quoteSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// V3Config locates a concentrated-liquidity deployment.
type V3Config struct {
	Quoter common.Address
	Router common.Address
	// FeeTiers pins the pool fee by output token. Unlisted tokens probe DefaultFeeTiers.
	FeeTiers map[common.Address]uint32
}

// V3 adapts a QuoterV2 + SwapRouter pair.
type V3 struct {
	cfg    V3Config
	caller ethereum.ContractCaller
}

func NewV3(cfg V3Config, caller ethereum.ContractCaller) *V3 {
	return &V3{cfg: cfg, caller: caller}
}

func (v *V3) Protocol() funding.Protocol { return funding.ProtocolV3 }

func (v *V3) Router() common.Address { return v.cfg.Router }

// Quote returns the best single-pool output. With no pinned tier every
// default tier is quoted concurrently and the largest output wins.
func (v *V3) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, uint32, error) {
	if fee, ok := v.cfg.FeeTiers[tokenOut]; ok {
		out, err := v.quoteTier(ctx, tokenIn, tokenOut, amountIn, fee)
		return out, fee, err
	}

	var (
		mu      sync.Mutex
		best    *big.Int
		bestFee uint32
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, fee := range DefaultFeeTiers {
		g.Go(func() error {
			out, err := v.quoteTier(gctx, tokenIn, tokenOut, amountIn, fee)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A missing pool at one tier is expected.
				errs = append(errs, fmt.Errorf("fee %d: %w", fee, err))
				return nil
			}
			if best == nil || out.Cmp(best) > 0 || (out.Cmp(best) == 0 && fee < bestFee) {
				best, bestFee = out, fee
			}
			return nil
		})
	}
	_ = g.Wait()

	if best == nil {
		return nil, 0, fmt.Errorf("%w: no v3 pool: %v", funding.ErrQuoteUnavailable, errors.Join(errs...))
	}
	return best, bestFee, nil
}

func (v *V3) quoteTier(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, fee uint32) (*big.Int, error) {
	data, err := V3QuoterABI.Pack("quoteExactInputSingle", quoteSingleParams{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		AmountIn:          amountIn,
		Fee:               new(big.Int).SetUint64(uint64(fee)),
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pack quoteExactInputSingle: %w", err)
	}

	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &v.cfg.Quoter, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: quoteExactInputSingle: %v", funding.ErrQuoteUnavailable, err)
	}
	res, err := V3QuoterABI.Unpack("quoteExactInputSingle", out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack quoteExactInputSingle: %v", funding.ErrQuoteUnavailable, err)
	}
	amountOut, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected quoteExactInputSingle result", funding.ErrQuoteUnavailable)
	}
	return amountOut, nil
}

// EncodeSwap encodes exactInputSingle with amountOutMinimum = q.MinimumOut.
func (v *V3) EncodeSwap(q *funding.SwapQuote, recipient common.Address, deadline time.Time) ([]byte, error) {
	return V3RouterABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           q.TokenIn,
		TokenOut:          q.TokenOut,
		Fee:               new(big.Int).SetUint64(uint64(q.FeeTier)),
		Recipient:         recipient,
		Deadline:          big.NewInt(deadline.Unix()),
		AmountIn:          q.AmountIn,
		AmountOutMinimum:  q.MinimumOut,
		SqrtPriceLimitX96: new(big.Int),
	})
}
