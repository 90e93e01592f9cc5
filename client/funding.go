package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	natspkg "github.com/brojonat/fundsplit/service/nats"
)

// Client is the HTTP client for the fundsplit funding service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new funding service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// APIError is a non-2xx response. errors.Is matches it against the funding
// sentinel for its outcome, so callers can test for funding.ErrSessionBusy.
type APIError struct {
	StatusCode int
	Outcome    string
	Message    string
	// Session is set when the server returned the session's current state.
	Session *funding.Session
}

func (e *APIError) Error() string {
	if e.Outcome == "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed (%s): %s", e.Outcome, e.Message)
}

var outcomeSentinels = map[string]error{
	"validation-error":         funding.ErrValidation,
	"insufficient-balance":     funding.ErrInsufficientBalance,
	"insufficient-allowance":   funding.ErrInsufficientAllowance,
	"quote-unavailable":        funding.ErrQuoteUnavailable,
	"prepare-failed":           funding.ErrPrepareFailed,
	"session-not-found":        funding.ErrSessionNotFound,
	"session-already-terminal": funding.ErrSessionAlreadyTerminal,
	"session-busy":             funding.ErrSessionBusy,
	"out-of-order-step":        funding.ErrOutOfOrderStep,
	"verification-failed":      funding.ErrVerificationShortfall,
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := outcomeSentinels[e.Outcome]
	return ok && sentinel == target
}

// PrepareParams are the inputs to Prepare. Amount is in the deposit token's
// smallest unit.
type PrepareParams struct {
	Amount          *big.Int
	UserAddress     string
	OperatorAddress string
	CapitalAddress  string
}

// PrepareResult is a freshly prepared session with its plan and cost estimate.
type PrepareResult struct {
	SessionID    string                   `json:"session_id"`
	Session      *funding.Session         `json:"session"`
	Plan         []*funding.Step          `json:"plan"`
	EstimatedGas *funding.GasCostEstimate `json:"estimated_gas"`
}

// StepReport is a caller's report on one plan step.
type StepReport struct {
	Status       funding.StepStatus `json:"status"`
	TxHash       string             `json:"tx_hash,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Event is one server-sent session event. Name is "snapshot" for the
// first event and "session" for transitions.
type Event struct {
	Name string
	natspkg.SessionEvent
}

type sessionResponse struct {
	Session *funding.Session `json:"session"`
	Plan    []*funding.Step  `json:"plan"`
}

// Prepare validates and quotes a deposit and returns the new session.
func (c *Client) Prepare(ctx context.Context, params PrepareParams) (*PrepareResult, error) {
	if params.Amount == nil {
		return nil, errors.New("amount is required")
	}
	reqBody := map[string]interface{}{
		"amount":           json.Number(params.Amount.String()),
		"user_address":     params.UserAddress,
		"operator_address": params.OperatorAddress,
		"capital_address":  params.CapitalAddress,
	}

	var result PrepareResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", reqBody, http.StatusCreated, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("session prepared", "session_id", result.SessionID, "steps", len(result.Plan))
	return &result, nil
}

// GetSession retrieves a session snapshot.
func (c *Client) GetSession(ctx context.Context, id string) (*funding.Session, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// ListSessions lists a depositor's sessions, newest first. A zero limit uses
// the server default.
func (c *Client) ListSessions(ctx context.Context, user string, limit int) ([]*funding.Session, error) {
	q := url.Values{}
	q.Set("user", user)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Sessions []*funding.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions?"+q.Encode(), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ReportStep reports the outcome of one plan step and returns the updated session.
func (c *Client) ReportStep(ctx context.Context, id string, index int, report StepReport) (*funding.Session, error) {
	path := fmt.Sprintf("/api/v1/sessions/%s/steps/%d", url.PathEscape(id), index)
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, path, report, http.StatusOK, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("step reported",
		"session_id", id,
		"step_index", index,
		"status", string(report.Status),
		"session_status", string(resp.Session.Status),
	)
	return resp.Session, nil
}

// Resume returns the session and the steps that remain to be executed.
func (c *Client) Resume(ctx context.Context, id string) (*funding.Session, []*funding.Step, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/resume", nil, http.StatusOK, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Session, resp.Plan, nil
}

// Watch streams a session's events to fn until the session reaches a
// terminal status, the server closes the stream, ctx ends, or fn returns an
// error. The http client's timeout does not apply to the stream.
func (c *Client) Watch(ctx context.Context, id string, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sessions/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streaming := *c.httpClient
	streaming.Timeout = 0 // No timeout for streaming
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var name, data string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if name != "" && data != "" {
				ev := Event{Name: name}
				if err := json.Unmarshal([]byte(data), &ev.SessionEvent); err != nil {
					return fmt.Errorf("failed to decode %s event: %w", name, err)
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			name, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading event stream: %w", err)
	}
	return nil
}

// do sends a JSON request and decodes a JSON response with the wanted status.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse builds an APIError from the server's error body.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error   string           `json:"error"`
		Outcome string           `json:"outcome"`
		Session *funding.Session `json:"session"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Outcome:    errResp.Outcome,
		Message:    errResp.Error,
		Session:    errResp.Session,
	}
}
