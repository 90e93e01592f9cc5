package dex

import (
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum/common"
)

// TransactionBuilder encodes unsigned step payloads. It holds no state
// beyond its configuration.
type TransactionBuilder struct {
	wrappedNative common.Address
	adapters      map[funding.Protocol]Adapter
	now           func() time.Time
}

// NewTransactionBuilder creates a builder that unwraps through wrappedNative
// and encodes swaps with the given adapters.
func NewTransactionBuilder(wrappedNative common.Address, adapters ...Adapter) *TransactionBuilder {
	m := make(map[funding.Protocol]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Protocol()] = a
	}
	return &TransactionBuilder{
		wrappedNative: wrappedNative,
		adapters:      m,
		now:           time.Now,
	}
}

func (b *TransactionBuilder) BuildApproval(token, spender common.Address, amount *big.Int) (funding.TxRequest, error) {
	if err := positive(amount); err != nil {
		return funding.TxRequest{}, err
	}
	data, err := ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return funding.TxRequest{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return funding.TxRequest{To: token, Data: data, Value: new(big.Int)}, nil
}

// BuildSwap encodes an exact-input swap paying recipient, with
// amountOutMinimum = q.MinimumOut and an absolute deadline of now + deadlineMinutes.
func (b *TransactionBuilder) BuildSwap(q *funding.SwapQuote, recipient common.Address, deadlineMinutes int) (funding.TxRequest, error) {
	if q == nil {
		return funding.TxRequest{}, fmt.Errorf("nil quote")
	}
	if err := positive(q.AmountIn); err != nil {
		return funding.TxRequest{}, err
	}
	if q.MinimumOut == nil {
		return funding.TxRequest{}, fmt.Errorf("quote has no minimum output")
	}
	a, ok := b.adapters[q.Protocol]
	if !ok {
		return funding.TxRequest{}, fmt.Errorf("protocol %q is not configured", q.Protocol)
	}
	if deadlineMinutes <= 0 {
		deadlineMinutes = 10
	}

	deadline := b.now().Add(time.Duration(deadlineMinutes) * time.Minute)
	data, err := a.EncodeSwap(q, recipient, deadline)
	if err != nil {
		return funding.TxRequest{}, fmt.Errorf("failed to encode %s swap: %w", q.Protocol, err)
	}
	return funding.TxRequest{To: a.Router(), Data: data, Value: new(big.Int)}, nil
}

// BuildUnwrap withdraws amount of the wrapped native token to native.
func (b *TransactionBuilder) BuildUnwrap(amount *big.Int) (funding.TxRequest, error) {
	if err := positive(amount); err != nil {
		return funding.TxRequest{}, err
	}
	data, err := WETHABI.Pack("withdraw", amount)
	if err != nil {
		return funding.TxRequest{}, fmt.Errorf("failed to pack withdraw: %w", err)
	}
	return funding.TxRequest{To: b.wrappedNative, Data: data, Value: new(big.Int)}, nil
}

func (b *TransactionBuilder) BuildNativeTransfer(to common.Address, amount *big.Int) funding.TxRequest {
	v := new(big.Int)
	if amount != nil {
		v.Set(amount)
	}
	return funding.TxRequest{To: to, Value: v}
}

func (b *TransactionBuilder) BuildTokenTransfer(token, to common.Address, amount *big.Int) (funding.TxRequest, error) {
	if err := positive(amount); err != nil {
		return funding.TxRequest{}, err
	}
	data, err := ERC20ABI.Pack("transfer", to, amount)
	if err != nil {
		return funding.TxRequest{}, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return funding.TxRequest{To: token, Data: data, Value: new(big.Int)}, nil
}

// Spender is the router address that must be approved for protocol p.
func (b *TransactionBuilder) Spender(p funding.Protocol) (common.Address, error) {
	a, ok := b.adapters[p]
	if !ok {
		return common.Address{}, fmt.Errorf("protocol %q is not configured", p)
	}
	return a.Router(), nil
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", funding.ErrInvalidAmount)
	}
	return nil
}
