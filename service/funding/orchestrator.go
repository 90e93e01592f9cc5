package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is the durable, id-keyed persistence the orchestrator owns sessions through.
// UpdateSession must reject a stale Version with ErrSessionBusy.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
}

// Quoter fetches bounded swap quotes. GetQuote may pick any configured AMM;
// GetQuoteFrom is pinned to one protocol so a refreshed quote keeps its router.
type Quoter interface {
	GetQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*SwapQuote, error)
	GetQuoteFrom(ctx context.Context, protocol Protocol, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps uint32) (*SwapQuote, error)
}

// TxBuilder encodes unsigned step payloads.
type TxBuilder interface {
	BuildApproval(token, spender common.Address, amount *big.Int) (TxRequest, error)
	BuildSwap(q *SwapQuote, recipient common.Address, deadlineMinutes int) (TxRequest, error)
	BuildUnwrap(amount *big.Int) (TxRequest, error)
	BuildNativeTransfer(to common.Address, amount *big.Int) TxRequest
	BuildTokenTransfer(token, to common.Address, amount *big.Int) (TxRequest, error)
	Spender(p Protocol) (common.Address, error)
}

// Chain is the read side of the blockchain RPC the orchestrator needs.
type Chain interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	TransferredAmount(ctx context.Context, txHash common.Hash, token, to common.Address) (*big.Int, error)
}

// GasEstimator prices a plan.
type GasEstimator interface {
	Estimate(ctx context.Context, steps []*Step) (*GasCostEstimate, error)
}

// Verifier independently checks final balances.
type Verifier interface {
	Verify(ctx context.Context, s *Session) (*Verification, error)
}

// Notifier receives every persisted session transition. Failures are logged only.
type Notifier interface {
	Notify(ctx context.Context, s *Session, reason string) error
}

// Notifiers fans a transition out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, s *Session, reason string) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, s, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracker follows a broadcast transaction to its receipt on the caller's behalf.
type Tracker interface {
	TrackStep(ctx context.Context, sessionID string, stepIndex int, txHash string) error
}

// Config holds the token addresses and policy knobs the orchestrator runs with.
type Config struct {
	DepositToken  common.Address
	CapitalToken  common.Address
	WrappedNative common.Address

	// Protocol pins new quotes to one AMM flavor. Empty means best of all configured.
	Protocol Protocol

	GasBps      uint32
	CapitalBps  uint32
	SlippageBps uint32

	QuoteValidity       time.Duration
	SwapDeadlineMinutes int
	QuoteMaxAttempts    int
	QuoteInitialBackoff time.Duration

	MinDeposit             *big.Int
	RequireCapitalContract bool
}

// DefaultConfig returns the documented defaults. Token addresses must still be set.
func DefaultConfig() Config {
	return Config{
		GasBps:              DefaultGasBps,
		CapitalBps:          DefaultCapitalBps,
		SlippageBps:         50,
		QuoteValidity:       2 * time.Minute,
		SwapDeadlineMinutes: 10,
		QuoteMaxAttempts:    3,
		QuoteInitialBackoff: 500 * time.Millisecond,
		MinDeposit:          big.NewInt(1),
	}
}

// Deps are the collaborators of an Orchestrator. Notifier, Tracker and Metrics are optional.
type Deps struct {
	Store     Store
	Quoter    Quoter
	Builder   TxBuilder
	Chain     Chain
	Estimator GasEstimator
	Verifier  Verifier
	Locker    Locker
	Notifier  Notifier
	Tracker   Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Orchestrator is the funding state machine. It is safe for concurrent use
// across sessions; within a session the Locker provides single-writer access.
type Orchestrator struct {
	cfg       Config
	store     Store
	quoter    Quoter
	builder   TxBuilder
	chain     Chain
	estimator GasEstimator
	verifier  Verifier
	locker    Locker
	notifier  Notifier
	tracker   Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New creates an Orchestrator. It returns an error if a required dependency is missing.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Quoter == nil || deps.Builder == nil || deps.Chain == nil ||
		deps.Estimator == nil || deps.Verifier == nil {
		return nil, errors.New("orchestrator: store, quoter, builder, chain, estimator and verifier are required")
	}
	if cfg.DepositToken == (common.Address{}) || cfg.CapitalToken == (common.Address{}) || cfg.WrappedNative == (common.Address{}) {
		return nil, errors.New("orchestrator: deposit, capital and wrapped native token addresses are required")
	}
	if cfg.DepositToken == cfg.CapitalToken || cfg.DepositToken == cfg.WrappedNative {
		return nil, errors.New("orchestrator: deposit token must differ from the capital and wrapped native tokens")
	}
	if cfg.QuoteMaxAttempts < 1 {
		cfg.QuoteMaxAttempts = 1
	}
	if cfg.MinDeposit == nil {
		cfg.MinDeposit = big.NewInt(1)
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		quoter:    deps.Quoter,
		builder:   deps.Builder,
		chain:     deps.Chain,
		estimator: deps.Estimator,
		verifier:  deps.Verifier,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		tracker:   deps.Tracker,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
		newID:     func() string { return uuid.NewString() },
	}, nil
}

// PrepareRequest is the input to Prepare.
type PrepareRequest struct {
	TotalAmount     *big.Int
	UserAddress     string
	OperatorAddress string
	CapitalAddress  string
}

// Prepared is the result of Prepare.
type Prepared struct {
	Session  *Session
	Plan     []*Step
	Estimate *GasCostEstimate
}

// Prepare validates the request, splits the deposit, quotes both legs, builds
// the ordered plan and persists a new PREPARED session.
func (o *Orchestrator) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	user, operator, capital, err := o.validatePrepare(req)
	if err != nil {
		return nil, err
	}

	gasAmount, capitalAmount, err := ComputeSplit(req.TotalAmount, o.cfg.GasBps, o.cfg.CapitalBps)
	if err != nil {
		return nil, &ValidationError{Field: "amount", Msg: err.Error()}
	}
	if gasAmount.Sign() == 0 || capitalAmount.Sign() == 0 {
		return nil, invalid("amount", "deposit too small to fund both legs")
	}

	logger := o.logger.With("user", user.Hex(), "total", req.TotalAmount.String())

	balance, err := o.chain.TokenBalance(ctx, o.cfg.DepositToken, user)
	if err != nil {
		return nil, fmt.Errorf("failed to read depositor balance: %w", err)
	}
	if balance.Cmp(req.TotalAmount) < 0 {
		logger.InfoContext(ctx, "depositor balance below deposit", "balance", balance.String())
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, req.TotalAmount)
	}

	if o.cfg.RequireCapitalContract {
		deployed, err := o.chain.HasCode(ctx, capital)
		if err != nil {
			return nil, fmt.Errorf("failed to read capital wallet code: %w", err)
		}
		if !deployed {
			return nil, invalid("capital_address", "no contract deployed at %s", capital.Hex())
		}
	}

	gasQuote, capitalQuote, err := o.quoteLegs(ctx, gasAmount, capitalAmount)
	if err != nil {
		logger.WarnContext(ctx, "quoting failed", "error", err)
		return nil, err
	}

	now := o.now()
	s := &Session{
		ID:                o.newID(),
		UserAddress:       user,
		OperatorAddress:   operator,
		CapitalAddress:    capital,
		TotalAmount:       new(big.Int).Set(req.TotalAmount),
		GasAmount:         gasAmount,
		CapitalAmount:     capitalAmount,
		Status:            StatusPrepared,
		LastCompletedStep: -1,
		Quotes: QuoteSnapshot{
			Gas:        gasQuote,
			Capital:    capitalQuote,
			CapturedAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	steps, err := o.buildPlan(ctx, s)
	if err != nil {
		return nil, err
	}
	s.Steps = steps

	estimate, err := o.estimate(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("%w: gas estimate: %v", ErrPrepareFailed, err)
	}

	baseline, err := o.observeBalances(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline balances: %w", err)
	}
	s.Baseline = baseline

	if err := o.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordSessionTransition(string(StatusPrepared))
	}
	logger.InfoContext(ctx, "funding session prepared",
		"session_id", s.ID,
		"gas_amount", gasAmount.String(),
		"capital_amount", capitalAmount.String(),
		"steps", len(s.Steps),
	)
	o.notify(ctx, s, "prepared")

	return &Prepared{Session: s, Plan: s.Plan(), Estimate: estimate}, nil
}

func (o *Orchestrator) validatePrepare(req PrepareRequest) (user, operator, capital common.Address, err error) {
	if req.TotalAmount == nil || req.TotalAmount.Sign() <= 0 {
		return user, operator, capital, invalid("amount", "must be a positive integer")
	}
	if req.TotalAmount.Cmp(o.cfg.MinDeposit) < 0 {
		return user, operator, capital, invalid("amount", "must be at least %s", o.cfg.MinDeposit)
	}
	if user, err = parseAddress("user_address", req.UserAddress); err != nil {
		return
	}
	if operator, err = parseAddress("operator_address", req.OperatorAddress); err != nil {
		return
	}
	if capital, err = parseAddress("capital_address", req.CapitalAddress); err != nil {
		return
	}
	if operator == capital {
		err = invalid("operator_address", "operator and capital wallets must differ")
	}
	return
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalid(field, "invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, invalid(field, "zero address")
	}
	return addr, nil
}

// estimate prices the plan, copies per-step gas units onto the steps and
// records the estimate on the quote snapshot.
func (o *Orchestrator) estimate(ctx context.Context, s *Session) (*GasCostEstimate, error) {
	est, err := o.estimator.Estimate(ctx, s.Steps)
	if err != nil {
		return nil, err
	}
	for _, sg := range est.PerStep {
		if sg.Index >= 0 && sg.Index < len(s.Steps) && s.Steps[sg.Index].Status == StepPending {
			s.Steps[sg.Index].GasLimit = sg.GasUnits
		}
	}
	s.Quotes.Estimate = est
	return est, nil
}

func (o *Orchestrator) observeBalances(ctx context.Context, s *Session) (*Balances, error) {
	var native, token *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		native, err = o.chain.NativeBalance(gctx, s.OperatorAddress)
		return err
	})
	g.Go(func() (err error) {
		token, err = o.chain.TokenBalance(gctx, o.cfg.CapitalToken, s.CapitalAddress)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Balances{OperatorNative: native, CapitalToken: token, ObservedAt: o.now()}, nil
}

// GetSession returns the stored session.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*Session, error) {
	return o.store.GetSession(ctx, id)
}

// persist writes s and publishes the transition.
func (o *Orchestrator) persist(ctx context.Context, s *Session, reason string) error {
	s.UpdatedAt = o.now()
	if err := o.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", s.ID, err)
	}
	o.notify(ctx, s, reason)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, s *Session, reason string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, s, reason); err != nil {
		o.logger.WarnContext(ctx, "failed to publish session event",
			"session_id", s.ID,
			"reason", reason,
			"error", err,
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
