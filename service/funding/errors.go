package funding

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed caller input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrInvalidAmount is returned by ComputeSplit for a non-positive total or bad bps.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrQuoteUnavailable is a transient quoting failure.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrPrepareFailed is returned once quote retries are exhausted.
	ErrPrepareFailed = errors.New("prepare failed")

	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrStepExecutionFailed marks an on-chain revert of a plan step.
	ErrStepExecutionFailed = errors.New("step execution failed")
	// ErrVerificationShortfall means a destination balance fell below tolerance.
	ErrVerificationShortfall = errors.New("verification shortfall")

	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyTerminal = errors.New("session already terminal")

	// ErrSessionBusy is returned when another caller holds the session.
	ErrSessionBusy = errors.New("session busy")

	ErrOutOfOrderStep    = errors.New("out of order step")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreUnavailable wraps persistence failures. Not retried.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

// FailureCause is the decoded reason a step reverted.
type FailureCause string

const (
	CauseSlippageExceeded  FailureCause = "slippage_exceeded"
	CauseDeadlineExpired   FailureCause = "deadline_expired"
	CauseInsufficientFunds FailureCause = "insufficient_funds"
	CauseInsufficientAllow FailureCause = "insufficient_allowance"
	CauseRejectedByUser    FailureCause = "rejected_by_user"
	CauseGeneric           FailureCause = "execution_reverted"
)

// StepFailure is a decoded step error.
type StepFailure struct {
	Cause  FailureCause
	Detail string
}

func (f *StepFailure) Error() string {
	msg := f.Message()
	if f.Detail == "" || f.Detail == msg {
		return msg
	}
	return msg + " (" + f.Detail + ")"
}

func (f *StepFailure) Unwrap() error { return ErrStepExecutionFailed }

// Message is the human readable reason stored on the step.
func (f *StepFailure) Message() string {
	switch f.Cause {
	case CauseSlippageExceeded:
		return "slippage exceeded: output below minimum, requires re-quote"
	case CauseDeadlineExpired:
		return "swap expired: requires re-quote"
	case CauseInsufficientFunds:
		return "insufficient funds for transfer"
	case CauseInsufficientAllow:
		return "insufficient allowance for router"
	case CauseRejectedByUser:
		return "transaction rejected by signer"
	case CauseGeneric:
		return "execution reverted"
	}
	return string(f.Cause)
}

// revertPatterns maps known router and token revert strings to causes.
// Matching is case-insensitive on substrings.
var revertPatterns = []struct {
	substr string
	cause  FailureCause
}{
	{"too little received", CauseSlippageExceeded},
	{"insufficient_output_amount", CauseSlippageExceeded},
	{"slippage", CauseSlippageExceeded},
	{"transaction too old", CauseDeadlineExpired},
	{"uniswapv2router: expired", CauseDeadlineExpired},
	{"deadline", CauseDeadlineExpired},
	{"expired", CauseDeadlineExpired},
	{"transfer amount exceeds allowance", CauseInsufficientAllow},
	{"insufficient allowance", CauseInsufficientAllow},
	{"transfer amount exceeds balance", CauseInsufficientFunds},
	{"insufficient funds", CauseInsufficientFunds},
	{"user rejected", CauseRejectedByUser},
	{"user denied", CauseRejectedByUser},
}

// shortReverts are terse router codes that only match as the whole reason.
var shortReverts = map[string]FailureCause{
	"stf": CauseInsufficientFunds, // safeTransferFrom failed
	"tf":  CauseInsufficientFunds,
}

// DecodeFailure classifies a revert reason or wallet error message.
func DecodeFailure(msg string) *StepFailure {
	lower := strings.ToLower(strings.TrimSpace(msg))
	reason := strings.TrimSpace(strings.TrimPrefix(lower, "execution reverted:"))
	if cause, ok := shortReverts[reason]; ok {
		return &StepFailure{Cause: cause, Detail: msg}
	}
	for _, p := range revertPatterns {
		if strings.Contains(lower, p.substr) {
			return &StepFailure{Cause: p.cause, Detail: msg}
		}
	}
	return &StepFailure{Cause: CauseGeneric, Detail: msg}
}
