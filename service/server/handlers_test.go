package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "0x1111111111111111111111111111111111111111"
	testOperator = "0x2222222222222222222222222222222222222222"
	testCapital  = "0x3333333333333333333333333333333333333333"
	testHash     = "0x5f0e0bd5e3a8e51c3f4dd0cb0b7a8f08e1c6f4b5a0ef0d2c8a1e4f3b2c1d0e9f"
)

type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Prepare(ctx context.Context, req funding.PrepareRequest) (*funding.Prepared, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*funding.Prepared), args.Error(1)
}

func (m *mockOrchestrator) RecordStepResult(ctx context.Context, r funding.StepResult) (*funding.Session, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*funding.Session), args.Error(1)
}

func (m *mockOrchestrator) Resume(ctx context.Context, id string) (*funding.Session, []*funding.Step, error) {
	args := m.Called(ctx, id)
	var s *funding.Session
	if v := args.Get(0); v != nil {
		s = v.(*funding.Session)
	}
	var plan []*funding.Step
	if v := args.Get(1); v != nil {
		plan = v.([]*funding.Step)
	}
	return s, plan, args.Error(2)
}

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) GetSession(ctx context.Context, id string) (*funding.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*funding.Session), args.Error(1)
}

func (m *mockSessions) ListSessionsByUser(ctx context.Context, user common.Address, limit int) ([]*funding.Session, error) {
	args := m.Called(ctx, user, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*funding.Session), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession(id string, status funding.SessionStatus) *funding.Session {
	return &funding.Session{
		ID:                id,
		UserAddress:       common.HexToAddress(testUser),
		OperatorAddress:   common.HexToAddress(testOperator),
		CapitalAddress:    common.HexToAddress(testCapital),
		TotalAmount:       big.NewInt(100_000_000),
		GasAmount:         big.NewInt(5_000_000),
		CapitalAmount:     big.NewInt(95_000_000),
		Status:            status,
		LastCompletedStep: -1,
		Version:           1,
	}
}

func newTestServer(orch Orchestrator, sessions *mockSessions, events EventSubscriber) http.Handler {
	var lister SessionLister
	if sessions != nil {
		lister = sessions
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return New(":0", orch, sessions, lister, events, m, testLogger()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func TestPrepare(t *testing.T) {
	s := testSession("sess-1", funding.StatusPrepared)
	s.Steps = []*funding.Step{{Index: 0, Kind: funding.StepApprove, Status: funding.StepPending}}

	orch := new(mockOrchestrator)
	orch.On("Prepare", mock.Anything, mock.MatchedBy(func(req funding.PrepareRequest) bool {
		return req.TotalAmount.Cmp(big.NewInt(100_000_000)) == 0 &&
			req.UserAddress == testUser &&
			req.OperatorAddress == testOperator &&
			req.CapitalAddress == testCapital
	})).Return(&funding.Prepared{
		Session:  s,
		Plan:     s.Plan(),
		Estimate: &funding.GasCostEstimate{AggregateNative: big.NewInt(42), FiatSource: "static"},
	}, nil)

	h := newTestServer(orch, new(mockSessions), nil)

	for _, amount := range []string{`100000000`, `"100000000"`} {
		body := fmt.Sprintf(`{"amount":%s,"user_address":%q,"operator_address":%q,"capital_address":%q}`,
			amount, testUser, testOperator, testCapital)
		rec, resp := do(t, h, http.MethodPost, "/api/v1/sessions", body)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, OutcomeSuccess, resp["outcome"])
		assert.Equal(t, "sess-1", resp["session_id"])
		assert.Len(t, resp["plan"], 1)
		assert.Equal(t, "static", resp["estimated_gas"].(map[string]interface{})["fiat_source"])
	}
	orch.AssertExpectations(t)
}

func TestPrepare_RejectsBadBodies(t *testing.T) {
	h := newTestServer(new(mockOrchestrator), new(mockSessions), nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed JSON", `{"amount":`, http.StatusBadRequest, "invalid request body"},
		{"unknown field", `{"amount":1,"memo":"x"}`, http.StatusBadRequest, "invalid request body"},
		{"missing amount", `{"user_address":"` + testUser + `"}`, http.StatusBadRequest, "amount is required"},
		{"fractional amount", `{"amount":1.5}`, http.StatusBadRequest, "must be an integer"},
		{"huge body", `{"amount":"` + strings.Repeat("9", 1<<17) + `"}`, http.StatusRequestEntityTooLarge, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := do(t, h, http.MethodPost, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, resp["error"], tt.wantErr)
			assert.Equal(t, OutcomeValidationError, resp["outcome"])
		})
	}
}

func TestPrepare_ErrorOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    int
		wantOutcome string
	}{
		{"validation", &funding.ValidationError{Field: "user_address", Msg: "not a hex address"}, http.StatusBadRequest, OutcomeValidationError},
		{"invalid amount", fmt.Errorf("%w: total must be positive", funding.ErrInvalidAmount), http.StatusBadRequest, OutcomeValidationError},
		{"insufficient balance", fmt.Errorf("%w: have 1, need 2", funding.ErrInsufficientBalance), http.StatusUnprocessableEntity, OutcomeInsufficientBalance},
		{"quote unavailable after retries", fmt.Errorf("%w after 3 attempts: %w", funding.ErrPrepareFailed, funding.ErrQuoteUnavailable), http.StatusServiceUnavailable, OutcomeQuoteUnavailable},
		{"prepare failed", fmt.Errorf("%w: build swap_to_gas: boom", funding.ErrPrepareFailed), http.StatusBadGateway, OutcomePrepareFailed},
		{"store down", fmt.Errorf("%w: connection refused", funding.ErrStoreUnavailable), http.StatusServiceUnavailable, OutcomeInternalError},
		{"unexpected", fmt.Errorf("failed to read depositor balance: eof"), http.StatusInternalServerError, OutcomeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := new(mockOrchestrator)
			orch.On("Prepare", mock.Anything, mock.Anything).Return(nil, tt.err)
			h := newTestServer(orch, new(mockSessions), nil)

			rec, resp := do(t, h, http.MethodPost, "/api/v1/sessions", `{"amount":100,"user_address":"`+testUser+`"}`)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOutcome, resp["outcome"])
			if tt.wantOutcome == OutcomeInternalError {
				assert.Equal(t, "internal server error", resp["error"])
			} else {
				assert.Equal(t, tt.err.Error(), resp["error"])
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	sessions := new(mockSessions)
	sessions.On("GetSession", mock.Anything, "sess-1").Return(testSession("sess-1", funding.StatusInProgress), nil)
	sessions.On("GetSession", mock.Anything, "missing").Return(nil, funding.ErrSessionNotFound)
	h := newTestServer(new(mockOrchestrator), sessions, nil)

	rec, resp := do(t, h, http.MethodGet, "/api/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	session := resp["session"].(map[string]interface{})
	assert.Equal(t, "IN_PROGRESS", session["status"])
	assert.Equal(t, float64(-1), session["last_completed_step"])

	rec, resp = do(t, h, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, OutcomeSessionNotFound, resp["outcome"])

	rec, _ = do(t, h, http.MethodGet, "/api/v1/sessions/bad$id", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions(t *testing.T) {
	sessions := new(mockSessions)
	sessions.On("ListSessionsByUser", mock.Anything, common.HexToAddress(testUser), 50).
		Return([]*funding.Session{testSession("a", funding.StatusCompleted), testSession("b", funding.StatusFailed)}, nil)
	sessions.On("ListSessionsByUser", mock.Anything, common.HexToAddress(testUser), 5).
		Return(nil, nil)
	h := newTestServer(new(mockOrchestrator), sessions, nil)

	rec, resp := do(t, h, http.MethodGet, "/api/v1/sessions?user="+testUser, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), resp["count"])

	rec, resp = do(t, h, http.MethodGet, "/api/v1/sessions?user="+testUser+"&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, resp["sessions"])

	for _, q := range []string{"", "?user=nope", "?user=" + testUser + "&limit=0", "?user=" + testUser + "&limit=501", "?user=" + testUser + "&limit=x"} {
		rec, _ := do(t, h, http.MethodGet, "/api/v1/sessions"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	sessions.AssertExpectations(t)
}

func TestReportStep(t *testing.T) {
	after := testSession("sess-1", funding.StatusInProgress)
	after.LastCompletedStep = 0

	orch := new(mockOrchestrator)
	orch.On("RecordStepResult", mock.Anything, funding.StepResult{
		SessionID: "sess-1",
		StepIndex: 0,
		Status:    funding.StepSuccess,
		TxHash:    testHash,
	}).Return(after, nil)
	h := newTestServer(orch, new(mockSessions), nil)

	rec, resp := do(t, h, http.MethodPost, "/api/v1/sessions/sess-1/steps/0", `{"status":"SUCCESS","tx_hash":" `+testHash+` "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, OutcomeSuccess, resp["outcome"])
	assert.Equal(t, float64(0), resp["session"].(map[string]interface{})["last_completed_step"])
	orch.AssertExpectations(t)

	rec, resp = do(t, h, http.MethodPost, "/api/v1/sessions/sess-1/steps/0", `{"status":"done"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp["error"], "unknown step status")

	rec, _ = do(t, h, http.MethodPost, "/api/v1/sessions/sess-1/steps/-1", `{"status":"success"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportStep_ErrorOutcomes(t *testing.T) {
	failed := testSession("sess-1", funding.StatusFailed)
	failed.ErrorMessage = "verification failed: gas leg: received 0 of expected 5 (0.00%), below 90.00% tolerance"

	tests := []struct {
		name        string
		session     *funding.Session
		err         error
		wantCode    int
		wantOutcome string
		wantSession bool
	}{
		{"busy", nil, funding.ErrSessionBusy, http.StatusConflict, OutcomeSessionBusy, false},
		{"out of order", nil, fmt.Errorf("%w: expected step 1, got 3", funding.ErrOutOfOrderStep), http.StatusConflict, OutcomeOutOfOrderStep, false},
		{"terminal", failed, fmt.Errorf("%w: session sess-1 is FAILED", funding.ErrSessionAlreadyTerminal), http.StatusConflict, OutcomeSessionAlreadyTerminal, true},
		{"shortfall", failed, fmt.Errorf("%w: gas leg short", funding.ErrVerificationShortfall), http.StatusUnprocessableEntity, OutcomeVerificationFailed, true},
		{"not found", nil, funding.ErrSessionNotFound, http.StatusNotFound, OutcomeSessionNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := new(mockOrchestrator)
			if tt.session != nil {
				orch.On("RecordStepResult", mock.Anything, mock.Anything).Return(tt.session, tt.err)
			} else {
				orch.On("RecordStepResult", mock.Anything, mock.Anything).Return(nil, tt.err)
			}
			h := newTestServer(orch, new(mockSessions), nil)

			rec, resp := do(t, h, http.MethodPost, "/api/v1/sessions/sess-1/steps/5", `{"status":"success","tx_hash":"`+testHash+`"}`)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOutcome, resp["outcome"])
			_, hasSession := resp["session"]
			assert.Equal(t, tt.wantSession, hasSession)
		})
	}
}

func TestResume(t *testing.T) {
	s := testSession("sess-1", funding.StatusInProgress)
	s.LastCompletedStep = 1
	plan := []*funding.Step{
		{Index: 2, Kind: funding.StepUnwrap, Status: funding.StepPending},
		{Index: 3, Kind: funding.StepTransferGas, Status: funding.StepPending},
	}

	orch := new(mockOrchestrator)
	orch.On("Resume", mock.Anything, "sess-1").Return(s, plan, nil)
	orch.On("Resume", mock.Anything, "done").
		Return(testSession("done", funding.StatusCompleted), nil, fmt.Errorf("%w: session done is COMPLETED", funding.ErrSessionAlreadyTerminal))
	h := newTestServer(orch, new(mockSessions), nil)

	rec, resp := do(t, h, http.MethodPost, "/api/v1/sessions/sess-1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp["plan"], 2)
	first := resp["plan"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "unwrap", first["kind"])

	rec, resp = do(t, h, http.MethodPost, "/api/v1/sessions/done/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, OutcomeSessionAlreadyTerminal, resp["outcome"])
	assert.Equal(t, "COMPLETED", resp["session"].(map[string]interface{})["status"])
}

func TestHealthAndCORS(t *testing.T) {
	h := newTestServer(new(mockOrchestrator), new(mockSessions), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClassify(t *testing.T) {
	outcome, code := classify(fmt.Errorf("%w: allowance 0", funding.ErrInsufficientAllowance))
	assert.Equal(t, OutcomeInsufficientAllowance, outcome)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	outcome, code = classify(fmt.Errorf("%w: PREPARED -> COMPLETED", funding.ErrInvalidTransition))
	assert.Equal(t, OutcomeInternalError, outcome)
	assert.Equal(t, http.StatusInternalServerError, code)
}
