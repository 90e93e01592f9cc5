package funding

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a funding session.
// Transitions only move forward: PREPARED -> IN_PROGRESS -> {COMPLETED | FAILED}.
type SessionStatus string

const (
	StatusPrepared   SessionStatus = "PREPARED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusCompleted  SessionStatus = "COMPLETED"
	StatusFailed     SessionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s SessionStatus) rank() int {
	switch s {
	case StatusPrepared:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the status
// strictly forward. Staying in the same non-terminal state is allowed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.rank() < 0 || next.rank() < 0 || s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// StepKind is the closed set of on-chain operations a plan can contain.
type StepKind int

const (
	StepApprove StepKind = iota
	StepSwapToGas
	StepUnwrap
	StepTransferGas
	StepSwapToCapital
	StepTransferCapital
)

var stepKindNames = [...]string{
	StepApprove:         "approve",
	StepSwapToGas:       "swap_to_gas",
	StepUnwrap:          "unwrap",
	StepTransferGas:     "transfer_gas",
	StepSwapToCapital:   "swap_to_capital",
	StepTransferCapital: "transfer_capital",
}

func (k StepKind) String() string {
	if k < 0 || int(k) >= len(stepKindNames) {
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
	return stepKindNames[k]
}

// IsSwap reports whether the step spends a quote.
func (k StepKind) IsSwap() bool {
	return k == StepSwapToGas || k == StepSwapToCapital
}

// ParseStepKind converts a wire name back into a StepKind.
func ParseStepKind(s string) (StepKind, error) {
	for i, name := range stepKindNames {
		if name == s {
			return StepKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step kind %q", s)
}

func (k StepKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(stepKindNames) {
		return nil, fmt.Errorf("invalid step kind %d", int(k))
	}
	return []byte(stepKindNames[k]), nil
}

func (k *StepKind) UnmarshalText(b []byte) error {
	parsed, err := ParseStepKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// StepStatus tracks a single step as reported by the caller executing it.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepSigning    StepStatus = "signing"
	StepConfirming StepStatus = "confirming"
	StepSuccess    StepStatus = "success"
	StepFailed     StepStatus = "failed"
)

// Terminal reports whether the step can no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed
}

// ParseStepStatus validates a caller-supplied status.
func ParseStepStatus(s string) (StepStatus, error) {
	switch st := StepStatus(s); st {
	case StepPending, StepSigning, StepConfirming, StepSuccess, StepFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown step status %q", s)
}

// Protocol identifies an AMM flavor a quote was taken from.
type Protocol string

const (
	// ProtocolV2 is the constant-product router style (getAmountsOut).
	ProtocolV2 Protocol = "v2"
	// ProtocolV3 is the concentrated-liquidity quoter + router style.
	ProtocolV3 Protocol = "v3"
)

// ParseProtocol validates a configured protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(s); p {
	case ProtocolV2, ProtocolV3:
		return p, nil
	}
	return "", fmt.Errorf("unknown dex protocol %q", s)
}

// SwapQuote is a priced, slippage-bounded swap opportunity.
type SwapQuote struct {
	Protocol    Protocol        `json:"protocol"`
	TokenIn     common.Address  `json:"token_in"`
	TokenOut    common.Address  `json:"token_out"`
	AmountIn    *big.Int        `json:"amount_in"`
	ExpectedOut *big.Int        `json:"expected_out"`
	MinimumOut  *big.Int        `json:"minimum_out"`
	FeeTier     uint32          `json:"fee_tier"`
	SlippageBps uint32          `json:"slippage_bps"`
	Rate        decimal.Decimal `json:"rate"`
	QuotedAt    time.Time       `json:"quoted_at"`
}

// Stale reports whether the quote is older than the validity window at now.
func (q *SwapQuote) Stale(now time.Time, validity time.Duration) bool {
	return now.Sub(q.QuotedAt) > validity
}

// MinimumOut applies the slippage bound:
// floor(expectedOut * (10000 - slippageBps) / 10000).
func MinimumOut(expectedOut *big.Int, slippageBps uint32) *big.Int {
	if expectedOut == nil || slippageBps >= BpsDenominator {
		return new(big.Int)
	}
	out := new(big.Int).Mul(expectedOut, big.NewInt(int64(BpsDenominator-slippageBps)))
	return out.Quo(out, big.NewInt(BpsDenominator))
}

// QuoteSnapshot holds the two leg quotes a plan was built against.
type QuoteSnapshot struct {
	Gas        *SwapQuote       `json:"gas"`
	Capital    *SwapQuote       `json:"capital"`
	CapturedAt time.Time        `json:"captured_at"`
	Estimate   *GasCostEstimate `json:"estimate,omitempty"`
}

// TxRequest is an unsigned transaction payload.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Step is one unit of on-chain work in a plan. Kind, target and calldata are
// fixed once the step leaves the pending state.
type Step struct {
	Index        int            `json:"sequence_index"`
	Kind         StepKind       `json:"kind"`
	Protocol     Protocol       `json:"protocol,omitempty"`
	Target       common.Address `json:"target_address"`
	Calldata     hexutil.Bytes  `json:"calldata"`
	Value        *big.Int       `json:"native_value"`
	GasLimit     uint64         `json:"gas_limit_estimate"`
	Description  string         `json:"description"`
	Status       StepStatus     `json:"status"`
	TxHash       string         `json:"tx_hash,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
}

func (s *Step) apply(tx TxRequest) {
	s.Target = tx.To
	s.Calldata = tx.Data
	s.Value = tx.Value
	if s.Value == nil {
		s.Value = new(big.Int)
	}
}

// Clone returns a deep copy so callers cannot mutate session state.
func (s *Step) Clone() *Step {
	c := *s
	c.Calldata = append(hexutil.Bytes(nil), s.Calldata...)
	if s.Value != nil {
		c.Value = new(big.Int).Set(s.Value)
	}
	return &c
}

// Balances is an observation of the two destination balances.
type Balances struct {
	OperatorNative *big.Int  `json:"operator_native"`
	CapitalToken   *big.Int  `json:"capital_token"`
	ObservedAt     time.Time `json:"observed_at"`
}

// StepGas is the cost estimate for one step.
type StepGas struct {
	Index    int      `json:"sequence_index"`
	Kind     StepKind `json:"kind"`
	GasUnits uint64   `json:"gas_units"`
	CostWei  *big.Int `json:"cost_wei"`
}

// GasCostEstimate is the execution cost of a plan. AggregateNative is
// authoritative; the fiat figure is approximate.
type GasCostEstimate struct {
	PerStep         []StepGas       `json:"per_step"`
	GasPrice        *big.Int        `json:"gas_price"`
	AggregateNative *big.Int        `json:"aggregate_native"`
	AggregateFiat   decimal.Decimal `json:"aggregate_fiat_approx"`
	FiatSource      string          `json:"fiat_source"`
}

// LegCheck is the expected-vs-actual comparison for one destination.
type LegCheck struct {
	Leg      string          `json:"leg"`
	Expected *big.Int        `json:"expected"`
	Actual   *big.Int        `json:"actual"`
	Ratio    decimal.Decimal `json:"ratio"`
}

// Verification is the outcome of independently checking final balances.
type Verification struct {
	Valid    bool       `json:"is_valid"`
	Balances Balances   `json:"balances"`
	Legs     []LegCheck `json:"legs"`
	Errors   []string   `json:"errors,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

// Session is the durable record of one attempt to distribute one deposit.
type Session struct {
	ID                string         `json:"id"`
	UserAddress       common.Address `json:"user_address"`
	OperatorAddress   common.Address `json:"operator_address"`
	CapitalAddress    common.Address `json:"capital_address"`
	TotalAmount       *big.Int       `json:"total_amount"`
	GasAmount         *big.Int       `json:"gas_amount"`
	CapitalAmount     *big.Int       `json:"capital_amount"`
	Status            SessionStatus  `json:"status"`
	LastCompletedStep int            `json:"last_completed_step"`
	Quotes            QuoteSnapshot  `json:"quote_snapshot"`
	GasLegOut         *big.Int       `json:"gas_leg_out,omitempty"`
	CapitalLegOut     *big.Int       `json:"capital_leg_out,omitempty"`
	Steps             []*Step        `json:"step_results"`
	Baseline          *Balances      `json:"baseline_balances,omitempty"`
	FinalBalances     *Balances      `json:"final_balances,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Remaining returns copies of the steps after lastCompletedStep.
func (s *Session) Remaining() []*Step {
	start := s.LastCompletedStep + 1
	if start >= len(s.Steps) {
		return nil
	}
	out := make([]*Step, 0, len(s.Steps)-start)
	for _, st := range s.Steps[start:] {
		out = append(out, st.Clone())
	}
	return out
}

// Plan returns copies of every step.
func (s *Session) Plan() []*Step {
	out := make([]*Step, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Clone()
	}
	return out
}

// stepOfKind returns the plan step of kind k, or nil if the plan has none.
func (s *Session) stepOfKind(k StepKind) *Step {
	for _, st := range s.Steps {
		if st.Kind == k {
			return st
		}
	}
	return nil
}

// allStepsSucceeded reports whether every step has been confirmed.
func (s *Session) allStepsSucceeded() bool {
	return len(s.Steps) > 0 && s.LastCompletedStep == len(s.Steps)-1
}

// transition moves the session forward or returns an error.
func (s *Session) transition(next SessionStatus) error {
	if s.Status == next && !s.Status.Terminal() {
		return nil
	}
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}
