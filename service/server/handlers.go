package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum/common"
)

const (
	maxRequestBodySize = 1 << 16 // 64KB - requests are a handful of fields
	defaultListLimit   = 50
	maxListLimit       = 500
)

// Outcome strings returned in every response body.
const (
	OutcomeSuccess                = "success"
	OutcomeValidationError        = "validation-error"
	OutcomeInsufficientBalance    = "insufficient-balance"
	OutcomeInsufficientAllowance  = "insufficient-allowance"
	OutcomeQuoteUnavailable       = "quote-unavailable"
	OutcomePrepareFailed          = "prepare-failed"
	OutcomeSessionNotFound        = "session-not-found"
	OutcomeSessionAlreadyTerminal = "session-already-terminal"
	OutcomeSessionBusy            = "session-busy"
	OutcomeOutOfOrderStep         = "out-of-order-step"
	OutcomeVerificationFailed     = "verification-failed"
	OutcomeInternalError          = "internal-error"
)

// Orchestrator is the funding state machine as seen by the HTTP layer.
type Orchestrator interface {
	Prepare(ctx context.Context, req funding.PrepareRequest) (*funding.Prepared, error)
	RecordStepResult(ctx context.Context, r funding.StepResult) (*funding.Session, error)
	Resume(ctx context.Context, id string) (*funding.Session, []*funding.Step, error)
}

// SessionReader serves status reads. In production this is the read-through cache.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*funding.Session, error)
}

// SessionLister lists a depositor's sessions, newest first.
type SessionLister interface {
	ListSessionsByUser(ctx context.Context, user common.Address, limit int) ([]*funding.Session, error)
}

// errorResponse is the JSON body of every failed request. Session is set when
// the operation reached a session whose state the caller should see.
type errorResponse struct {
	Error   string           `json:"error"`
	Outcome string           `json:"outcome"`
	Session *funding.Session `json:"session,omitempty"`
}

// classify maps an orchestrator error to its outcome and status code.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, funding.ErrValidation), errors.Is(err, funding.ErrInvalidAmount):
		return OutcomeValidationError, http.StatusBadRequest
	case errors.Is(err, funding.ErrInsufficientBalance):
		return OutcomeInsufficientBalance, http.StatusUnprocessableEntity
	case errors.Is(err, funding.ErrInsufficientAllowance):
		return OutcomeInsufficientAllowance, http.StatusUnprocessableEntity
	case errors.Is(err, funding.ErrQuoteUnavailable):
		return OutcomeQuoteUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, funding.ErrPrepareFailed):
		return OutcomePrepareFailed, http.StatusBadGateway
	case errors.Is(err, funding.ErrSessionNotFound):
		return OutcomeSessionNotFound, http.StatusNotFound
	case errors.Is(err, funding.ErrSessionAlreadyTerminal):
		return OutcomeSessionAlreadyTerminal, http.StatusConflict
	case errors.Is(err, funding.ErrSessionBusy):
		return OutcomeSessionBusy, http.StatusConflict
	case errors.Is(err, funding.ErrOutOfOrderStep):
		return OutcomeOutOfOrderStep, http.StatusConflict
	case errors.Is(err, funding.ErrVerificationShortfall):
		return OutcomeVerificationFailed, http.StatusUnprocessableEntity
	case errors.Is(err, funding.ErrStoreUnavailable):
		return OutcomeInternalError, http.StatusServiceUnavailable
	}
	return OutcomeInternalError, http.StatusInternalServerError
}

// writeFailure logs and writes the error body for err. Internal errors are
// not echoed to the caller.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, s *funding.Session) {
	outcome, code := classify(err)
	msg := err.Error()
	if outcome == OutcomeInternalError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	} else {
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "outcome", outcome, "error", err)
	}
	writeJSON(w, errorResponse{Error: msg, Outcome: outcome, Session: s}, code)
}

// prepareRequest is the body of POST /api/v1/sessions. Amount is an integer in
// the deposit token's smallest unit, as a JSON number or string.
type prepareRequest struct {
	Amount          json.Number `json:"amount"`
	UserAddress     string      `json:"user_address"`
	OperatorAddress string      `json:"operator_address"`
	CapitalAddress  string      `json:"capital_address"`
}

type prepareResponse struct {
	Outcome      string                   `json:"outcome"`
	SessionID    string                   `json:"session_id"`
	Session      *funding.Session         `json:"session"`
	Plan         []*funding.Step          `json:"plan"`
	EstimatedGas *funding.GasCostEstimate `json:"estimated_gas"`
}

// handlePrepare returns a handler that prepares a new funding session.
// POST /api/v1/sessions
func handlePrepare(orch Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req prepareRequest
		if !decodeBody(w, r, logger, &req) {
			return
		}

		if req.Amount == "" {
			writeError(w, "amount is required", http.StatusBadRequest)
			return
		}
		amount, ok := new(big.Int).SetString(req.Amount.String(), 10)
		if !ok {
			writeError(w, "amount must be an integer in the token's smallest unit", http.StatusBadRequest)
			return
		}

		prepared, err := orch.Prepare(r.Context(), funding.PrepareRequest{
			TotalAmount:     amount,
			UserAddress:     req.UserAddress,
			OperatorAddress: req.OperatorAddress,
			CapitalAddress:  req.CapitalAddress,
		})
		if err != nil {
			writeFailure(w, r, logger, err, nil)
			return
		}

		logger.InfoContext(r.Context(), "session prepared",
			"session_id", prepared.Session.ID,
			"user", prepared.Session.UserAddress.Hex(),
			"steps", len(prepared.Plan),
		)

		writeJSON(w, prepareResponse{
			Outcome:      OutcomeSuccess,
			SessionID:    prepared.Session.ID,
			Session:      prepared.Session,
			Plan:         prepared.Plan,
			EstimatedGas: prepared.Estimate,
		}, http.StatusCreated)
	})
}

type sessionResponse struct {
	Outcome string           `json:"outcome"`
	Session *funding.Session `json:"session"`
	Plan    []*funding.Step  `json:"plan,omitempty"`
}

// handleGetSession returns a handler that reads a session snapshot.
// GET /api/v1/sessions/{id}
func handleGetSession(sessions SessionReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateSessionID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		s, err := sessions.GetSession(r.Context(), id)
		if err != nil {
			writeFailure(w, r, logger, err, nil)
			return
		}
		writeJSON(w, sessionResponse{Outcome: OutcomeSuccess, Session: s}, http.StatusOK)
	})
}

// handleListSessions returns a handler that lists a depositor's sessions.
// GET /api/v1/sessions?user=0x...&limit=N
func handleListSessions(lister SessionLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		user := query.Get("user")
		if user == "" {
			writeError(w, "user query parameter is required", http.StatusBadRequest)
			return
		}
		if !common.IsHexAddress(user) {
			writeError(w, "user must be a hex address", http.StatusBadRequest)
			return
		}

		limit := defaultListLimit
		if limitStr := query.Get("limit"); limitStr != "" {
			parsed, err := strconv.Atoi(limitStr)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsed < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsed > maxListLimit {
				writeError(w, "limit cannot exceed 500", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		sessions, err := lister.ListSessionsByUser(r.Context(), common.HexToAddress(user), limit)
		if err != nil {
			writeFailure(w, r, logger, err, nil)
			return
		}
		if sessions == nil {
			sessions = []*funding.Session{}
		}

		logger.DebugContext(r.Context(), "sessions listed", "user", user, "count", len(sessions))

		writeJSON(w, map[string]interface{}{
			"outcome":  OutcomeSuccess,
			"sessions": sessions,
			"count":    len(sessions),
			"limit":    limit,
		}, http.StatusOK)
	})
}

// stepReport is the body of POST /api/v1/sessions/{id}/steps/{index}.
type stepReport struct {
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash"`
	ErrorMessage string `json:"error_message"`
}

// handleReportStep returns a handler that applies a caller's step report.
// POST /api/v1/sessions/{id}/steps/{index}
func handleReportStep(orch Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateSessionID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil || index < 0 {
			writeError(w, "step index must be a non-negative integer", http.StatusBadRequest)
			return
		}

		var req stepReport
		if !decodeBody(w, r, logger, &req) {
			return
		}
		status, err := funding.ParseStepStatus(strings.ToLower(strings.TrimSpace(req.Status)))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		s, err := orch.RecordStepResult(r.Context(), funding.StepResult{
			SessionID:    id,
			StepIndex:    index,
			Status:       status,
			TxHash:       strings.TrimSpace(req.TxHash),
			ErrorMessage: req.ErrorMessage,
		})
		if err != nil {
			writeFailure(w, r, logger, err, s)
			return
		}

		logger.InfoContext(r.Context(), "step reported",
			"session_id", id,
			"step_index", index,
			"status", string(status),
			"session_status", string(s.Status),
		)
		writeJSON(w, sessionResponse{Outcome: OutcomeSuccess, Session: s}, http.StatusOK)
	})
}

// handleResume returns a handler that resumes a session and returns the
// remaining plan.
// POST /api/v1/sessions/{id}/resume
func handleResume(orch Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateSessionID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		s, plan, err := orch.Resume(r.Context(), id)
		if err != nil {
			writeFailure(w, r, logger, err, s)
			return
		}
		if plan == nil {
			plan = []*funding.Step{}
		}

		logger.InfoContext(r.Context(), "session resumed",
			"session_id", id,
			"status", string(s.Status),
			"remaining_steps", len(plan),
		)
		writeJSON(w, sessionResponse{Outcome: OutcomeSuccess, Session: s, Plan: plan}, http.StatusOK)
	})
}

// decodeBody decodes a size-limited JSON body, writing the error response
// itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "path", r.URL.Path, "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response for malformed requests.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message, Outcome: OutcomeValidationError}, statusCode)
}

// validateSessionID rejects path values that cannot be session ids.
func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if len(id) > 64 {
		return errors.New("session id too long")
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
			return errors.New("session id contains invalid characters")
		}
	}
	return nil
}
