package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const table = "funding_sessions"

const sessionColumns = `id, user_address, operator_address, capital_address,
	total_amount, gas_amount, capital_amount, status, last_completed_step,
	quote_snapshot, gas_leg_out, capital_leg_out, steps, baseline_balances,
	final_balances, warnings, error_message, version, created_at, updated_at, completed_at`

// Store persists funding sessions in Postgres. Updates are guarded by the
// session version so concurrent writers cannot overwrite each other, and
// last_completed_step can never move backwards.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Schema returns the DDL Migrate applies.
func Schema() string { return schemaSQL }

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
	}
}

// CreateSession inserts a new session and sets its version to 1.
func (s *Store) CreateSession(ctx context.Context, sess *funding.Session) (err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()

	r, err := toRow(sess)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO funding_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19, $20)`,
		sess.ID, r.user, r.operator, r.capital,
		r.total, r.gas, r.capitalAmount, string(sess.Status), sess.LastCompletedStep,
		r.quotes, r.gasLegOut, r.capitalLegOut, r.steps, r.baseline,
		r.final, r.warnings, sess.ErrorMessage, sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to create session %s: %w", funding.ErrStoreUnavailable, sess.ID, err)
	}
	sess.Version = 1
	return nil
}

// GetSession returns the session with id, or funding.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (sess *funding.Session, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()

	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM funding_sessions WHERE id = $1`, id)
	sess, err = scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", funding.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get session %s: %w", funding.ErrStoreUnavailable, id, err)
	}
	return sess, nil
}

// UpdateSession writes sess if its version still matches the stored one and
// its last completed step does not regress. On success sess.Version is
// advanced. A lost race returns funding.ErrSessionBusy.
func (s *Store) UpdateSession(ctx context.Context, sess *funding.Session) (err error) {
	start := time.Now()
	defer func() { s.observe("update", start, err) }()

	r, err := toRow(sess)
	if err != nil {
		return err
	}

	var version int64
	err = s.pool.QueryRow(ctx, `
		UPDATE funding_sessions SET
			status = $2,
			last_completed_step = $3,
			quote_snapshot = $4,
			gas_leg_out = $5,
			capital_leg_out = $6,
			steps = $7,
			baseline_balances = $8,
			final_balances = $9,
			warnings = $10,
			error_message = $11,
			updated_at = $12,
			completed_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $14 AND last_completed_step <= $3
		RETURNING version`,
		sess.ID, string(sess.Status), sess.LastCompletedStep,
		r.quotes, r.gasLegOut, r.capitalLegOut, r.steps, r.baseline, r.final,
		r.warnings, sess.ErrorMessage, sess.UpdatedAt, sess.CompletedAt, sess.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM funding_sessions WHERE id = $1)`, sess.ID).Scan(&exists); qerr != nil {
			return fmt.Errorf("%w: %w", funding.ErrStoreUnavailable, qerr)
		}
		if !exists {
			return fmt.Errorf("%w: %s", funding.ErrSessionNotFound, sess.ID)
		}
		return fmt.Errorf("%w: session %s was modified concurrently", funding.ErrSessionBusy, sess.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to update session %s: %w", funding.ErrStoreUnavailable, sess.ID, err)
	}
	sess.Version = version
	return nil
}

// ListSessionsByUser returns a user's sessions, newest first.
func (s *Store) ListSessionsByUser(ctx context.Context, user common.Address, limit int) (out []*funding.Session, err error) {
	start := time.Now()
	defer func() { s.observe("list", start, err) }()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM funding_sessions
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2`, user.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sessions: %w", funding.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", funding.ErrStoreUnavailable, err)
	}
	return out, nil
}

// row holds the encoded column values of a session.
type row struct {
	user, operator, capital   string
	total, gas, capitalAmount pgtype.Numeric
	gasLegOut, capitalLegOut  pgtype.Numeric
	quotes, steps, warnings   []byte
	baseline, final           []byte
}

func toRow(sess *funding.Session) (*row, error) {
	r := &row{
		user:          sess.UserAddress.Hex(),
		operator:      sess.OperatorAddress.Hex(),
		capital:       sess.CapitalAddress.Hex(),
		total:         numericFromBig(sess.TotalAmount),
		gas:           numericFromBig(sess.GasAmount),
		capitalAmount: numericFromBig(sess.CapitalAmount),
		gasLegOut:     numericFromBig(sess.GasLegOut),
		capitalLegOut: numericFromBig(sess.CapitalLegOut),
	}

	var err error
	if r.quotes, err = json.Marshal(sess.Quotes); err != nil {
		return nil, fmt.Errorf("failed to encode quotes: %w", err)
	}
	steps := sess.Steps
	if steps == nil {
		steps = []*funding.Step{}
	}
	if r.steps, err = json.Marshal(steps); err != nil {
		return nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	warnings := sess.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	if r.warnings, err = json.Marshal(warnings); err != nil {
		return nil, fmt.Errorf("failed to encode warnings: %w", err)
	}
	if sess.Baseline != nil {
		if r.baseline, err = json.Marshal(sess.Baseline); err != nil {
			return nil, fmt.Errorf("failed to encode baseline: %w", err)
		}
	}
	if sess.FinalBalances != nil {
		if r.final, err = json.Marshal(sess.FinalBalances); err != nil {
			return nil, fmt.Errorf("failed to encode final balances: %w", err)
		}
	}
	return r, nil
}

func scanSession(sc pgx.Row) (*funding.Session, error) {
	var (
		r           row
		sess        funding.Session
		status      string
		completedAt pgtype.Timestamptz
	)
	err := sc.Scan(
		&sess.ID, &r.user, &r.operator, &r.capital,
		&r.total, &r.gas, &r.capitalAmount, &status, &sess.LastCompletedStep,
		&r.quotes, &r.gasLegOut, &r.capitalLegOut, &r.steps, &r.baseline,
		&r.final, &r.warnings, &sess.ErrorMessage, &sess.Version,
		&sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.UserAddress = common.HexToAddress(r.user)
	sess.OperatorAddress = common.HexToAddress(r.operator)
	sess.CapitalAddress = common.HexToAddress(r.capital)
	sess.Status = funding.SessionStatus(status)
	sess.CompletedAt = timePtrFromPgTimestamptz(completedAt)

	if sess.TotalAmount, err = bigFromNumeric(r.total); err != nil {
		return nil, err
	}
	if sess.GasAmount, err = bigFromNumeric(r.gas); err != nil {
		return nil, err
	}
	if sess.CapitalAmount, err = bigFromNumeric(r.capitalAmount); err != nil {
		return nil, err
	}
	if sess.GasLegOut, err = bigFromNumeric(r.gasLegOut); err != nil {
		return nil, err
	}
	if sess.CapitalLegOut, err = bigFromNumeric(r.capitalLegOut); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(r.quotes, &sess.Quotes); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}
	if err := json.Unmarshal(r.steps, &sess.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if err := json.Unmarshal(r.warnings, &sess.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode warnings: %w", err)
	}
	if len(sess.Warnings) == 0 {
		sess.Warnings = nil
	}
	if len(r.baseline) > 0 {
		sess.Baseline = new(funding.Balances)
		if err := json.Unmarshal(r.baseline, sess.Baseline); err != nil {
			return nil, fmt.Errorf("failed to decode baseline: %w", err)
		}
	}
	if len(r.final) > 0 {
		sess.FinalBalances = new(funding.Balances)
		if err := json.Unmarshal(r.final, sess.FinalBalances); err != nil {
			return nil, fmt.Errorf("failed to decode final balances: %w", err)
		}
	}
	return &sess, nil
}

// Helper functions to convert between pgtype and domain types

func numericFromBig(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{Valid: false}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

// bigFromNumeric converts an integral NUMERIC. A nil result means NULL.
func bigFromNumeric(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid {
		return nil, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("numeric value is not finite")
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
		q, rem := new(big.Int).QuoRem(v, div, new(big.Int))
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("numeric value %se%d is not an integer", n.Int, n.Exp)
		}
		v = q
	}
	return v, nil
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
