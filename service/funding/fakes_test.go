package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

var (
	depositToken  = common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359")
	capitalToken  = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	wrappedNative = common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")
	v2Router      = common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")

	userAddr     = "0x1111111111111111111111111111111111111111"
	operatorAddr = "0x2222222222222222222222222222222222222222"
	capitalAddr  = "0x3333333333333333333333333333333333333333"
)

// clock is a settable time source shared by the fakes and the orchestrator.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store with the same optimistic version check as
// the Postgres store. Sessions are deep-copied through JSON on every access.
type memStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	updates  int
	getGate  chan struct{}
	entered  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string][]byte)}
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("duplicate session %s", s.ID)
	}
	s.Version = 1
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.sessions[s.ID] = b
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*Session, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.getGate != nil {
		<-m.getGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *memStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	var cur Session
	if err := json.Unmarshal(b, &cur); err != nil {
		return err
	}
	if cur.Version != s.Version {
		return ErrSessionBusy
	}
	s.Version++
	nb, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.sessions[s.ID] = nb
	m.updates++
	return nil
}

// fakeQuoter prices every pair at a fixed multiplier. The first failures
// calls return ErrQuoteUnavailable.
type fakeQuoter struct {
	mu       sync.Mutex
	clock    *clock
	protocol Protocol
	rates    map[common.Address]int64
	failures int
	calls    int
	pinned   []Protocol
}

func newFakeQuoter(c *clock) *fakeQuoter {
	return &fakeQuoter{
		clock:    c,
		protocol: ProtocolV2,
		rates: map[common.Address]int64{
			wrappedNative: 2_000_000_000_000, // 1 deposit unit -> 2e12 wei
			capitalToken:  1,
		},
	}
}

func (q *fakeQuoter) GetQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*SwapQuote, error) {
	return q.GetQuoteFrom(ctx, q.protocol, tokenIn, tokenOut, amountIn, slippageBps)
}

func (q *fakeQuoter) GetQuoteFrom(_ context.Context, p Protocol, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*SwapQuote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.pinned = append(q.pinned, p)
	if q.failures > 0 {
		q.failures--
		return nil, fmt.Errorf("%w: no liquidity", ErrQuoteUnavailable)
	}
	expected := new(big.Int).Mul(amountIn, big.NewInt(q.rates[tokenOut]))
	return &SwapQuote{
		Protocol:    p,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    new(big.Int).Set(amountIn),
		ExpectedOut: expected,
		MinimumOut:  MinimumOut(expected, slippageBps),
		SlippageBps: slippageBps,
		Rate:        decimal.NewFromInt(q.rates[tokenOut]),
		QuotedAt:    q.clock.Now(),
	}, nil
}

func (q *fakeQuoter) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

// fakeBuilder encodes readable payloads so tests can assert what a step moves.
type fakeBuilder struct {
	clock *clock
}

func (b fakeBuilder) BuildApproval(token, spender common.Address, amount *big.Int) (TxRequest, error) {
	return TxRequest{To: token, Data: []byte(fmt.Sprintf("approve:%s:%s", spender.Hex(), amount))}, nil
}

func (b fakeBuilder) BuildSwap(q *SwapQuote, recipient common.Address, deadlineMinutes int) (TxRequest, error) {
	deadline := b.clock.Now().Add(time.Duration(deadlineMinutes) * time.Minute).Unix()
	return TxRequest{To: v2Router, Data: []byte(fmt.Sprintf("swap:%s:%s:%s:%d", q.AmountIn, q.MinimumOut, recipient.Hex(), deadline))}, nil
}

func (b fakeBuilder) BuildUnwrap(amount *big.Int) (TxRequest, error) {
	return TxRequest{To: wrappedNative, Data: []byte("withdraw:" + amount.String())}, nil
}

func (b fakeBuilder) BuildNativeTransfer(to common.Address, amount *big.Int) TxRequest {
	return TxRequest{To: to, Value: new(big.Int).Set(amount)}
}

func (b fakeBuilder) BuildTokenTransfer(token, to common.Address, amount *big.Int) (TxRequest, error) {
	return TxRequest{To: token, Data: []byte(fmt.Sprintf("transfer:%s:%s", to.Hex(), amount))}, nil
}

func (b fakeBuilder) Spender(p Protocol) (common.Address, error) {
	if p != ProtocolV2 && p != ProtocolV3 {
		return common.Address{}, fmt.Errorf("no router for %q", p)
	}
	return v2Router, nil
}

// fakeChain serves balances and receipts from maps.
type fakeChain struct {
	mu          sync.Mutex
	native      map[common.Address]*big.Int
	tokens      map[common.Address]map[common.Address]*big.Int
	allowance   *big.Int
	code        map[common.Address]bool
	transferred map[common.Hash]*big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native:      make(map[common.Address]*big.Int),
		tokens:      make(map[common.Address]map[common.Address]*big.Int),
		allowance:   new(big.Int),
		code:        make(map[common.Address]bool),
		transferred: make(map[common.Hash]*big.Int),
	}
}

func (c *fakeChain) setToken(token, owner common.Address, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens[token] == nil {
		c.tokens[token] = make(map[common.Address]*big.Int)
	}
	c.tokens[token][owner] = big.NewInt(v)
}

func (c *fakeChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.native[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tokens[token][owner]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) Allowance(_ context.Context, _, _, _ common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.allowance), nil
}

func (c *fakeChain) HasCode(_ context.Context, addr common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[addr], nil
}

func (c *fakeChain) TransferredAmount(_ context.Context, txHash common.Hash, _, _ common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.transferred[txHash]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, fmt.Errorf("receipt %s not found", txHash.Hex())
}

type fakeEstimator struct{}

func (fakeEstimator) Estimate(_ context.Context, steps []*Step) (*GasCostEstimate, error) {
	est := &GasCostEstimate{GasPrice: big.NewInt(30_000_000_000), AggregateNative: new(big.Int)}
	for _, st := range steps {
		cost := new(big.Int).Mul(big.NewInt(100_000), est.GasPrice)
		est.PerStep = append(est.PerStep, StepGas{Index: st.Index, Kind: st.Kind, GasUnits: 100_000, CostWei: cost})
		est.AggregateNative.Add(est.AggregateNative, cost)
	}
	return est, nil
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, s *Session) (*Verification, error) {
	args := m.Called(ctx, s)
	if v := args.Get(0); v != nil {
		return v.(*Verification), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) TrackStep(ctx context.Context, sessionID string, stepIndex int, txHash string) error {
	return m.Called(ctx, sessionID, stepIndex, txHash).Error(0)
}

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ *Session, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
	return nil
}

func (n *recordingNotifier) Reasons() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.reasons...)
}

func txHash(i int) string {
	return common.BigToHash(big.NewInt(int64(i + 1))).Hex()
}
