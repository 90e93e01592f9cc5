package db

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	userAddr     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	operatorAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	capitalAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newSession(id string, now time.Time) *funding.Session {
	return &funding.Session{
		ID:                id,
		UserAddress:       userAddr,
		OperatorAddress:   operatorAddr,
		CapitalAddress:    capitalAddr,
		TotalAmount:       big.NewInt(100_000_000),
		GasAmount:         big.NewInt(5_000_000),
		CapitalAmount:     big.NewInt(95_000_000),
		Status:            funding.StatusPrepared,
		LastCompletedStep: -1,
		Quotes: funding.QuoteSnapshot{
			Gas: &funding.SwapQuote{
				Protocol:    funding.ProtocolV2,
				AmountIn:    big.NewInt(5_000_000),
				ExpectedOut: big.NewInt(10_000_000_000_000_000),
				MinimumOut:  big.NewInt(9_950_000_000_000_000),
				SlippageBps: 50,
				Rate:        decimal.RequireFromString("2.0"),
				QuotedAt:    now,
			},
			CapturedAt: now,
		},
		Steps: []*funding.Step{
			{Index: 0, Kind: funding.StepApprove, Status: funding.StepPending, Value: new(big.Int), Calldata: []byte{0x09, 0x5e, 0xa7, 0xb3}},
			{Index: 1, Kind: funding.StepSwapToGas, Protocol: funding.ProtocolV2, Status: funding.StepPending, Value: new(big.Int)},
		},
		Baseline:  &funding.Balances{OperatorNative: big.NewInt(1), CapitalToken: big.NewInt(2), ObservedAt: now},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func assertBig(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, 0, want.Cmp(got), "want %s, got %s", want, got)
}

func TestSessionLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sess := newSession("sess-1", now)
	require.NoError(t, store.CreateSession(ctx, sess))
	assert.Equal(t, int64(1), sess.Version)

	t.Run("round trip", func(t *testing.T) {
		got, err := store.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assertBig(t, sess.TotalAmount, got.TotalAmount)
		assertBig(t, sess.GasAmount, got.GasAmount)
		assertBig(t, sess.CapitalAmount, got.CapitalAmount)
		assert.Equal(t, userAddr, got.UserAddress)
		assert.Equal(t, funding.StatusPrepared, got.Status)
		assert.Equal(t, -1, got.LastCompletedStep)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, funding.StepSwapToGas, got.Steps[1].Kind)
		assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, []byte(got.Steps[0].Calldata))
		assertBig(t, sess.Quotes.Gas.ExpectedOut, got.Quotes.Gas.ExpectedOut)
		assert.Nil(t, got.GasLegOut)
		assert.Nil(t, got.FinalBalances)
		assert.Nil(t, got.CompletedAt)
		require.NotNil(t, got.Baseline)
		assertBig(t, big.NewInt(2), got.Baseline.CapitalToken)
		assert.WithinDuration(t, now, got.CreatedAt, time.Microsecond)
	})

	t.Run("update advances version", func(t *testing.T) {
		got, err := store.GetSession(ctx, "sess-1")
		require.NoError(t, err)

		got.Status = funding.StatusInProgress
		got.LastCompletedStep = 0
		got.Steps[0].Status = funding.StepSuccess
		got.GasLegOut = big.NewInt(10_000_000_000_000_123)
		got.Warnings = []string{"capital leg: short"}
		require.NoError(t, store.UpdateSession(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		reread, err := store.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, funding.StatusInProgress, reread.Status)
		assert.Equal(t, 0, reread.LastCompletedStep)
		assertBig(t, got.GasLegOut, reread.GasLegOut)
		assert.Equal(t, []string{"capital leg: short"}, reread.Warnings)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		stale := newSession("sess-1", now)
		stale.Version = 1
		stale.LastCompletedStep = 1
		err := store.UpdateSession(ctx, stale)
		assert.ErrorIs(t, err, funding.ErrSessionBusy)
	})

	t.Run("last completed step never decreases", func(t *testing.T) {
		got, err := store.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		got.LastCompletedStep = -1
		err = store.UpdateSession(ctx, got)
		assert.ErrorIs(t, err, funding.ErrSessionBusy)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := store.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, funding.ErrSessionNotFound)

		missing := newSession("nope", now)
		err = store.UpdateSession(ctx, missing)
		assert.ErrorIs(t, err, funding.ErrSessionNotFound)
	})
}

func TestSplitConstraint(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	sess := newSession("bad-split", time.Now().UTC())
	sess.CapitalAmount = big.NewInt(1)
	err := store.CreateSession(context.Background(), sess)
	assert.ErrorIs(t, err, funding.ErrStoreUnavailable)
}

func TestListSessionsByUser(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateSession(ctx, newSession(id, base.Add(time.Duration(i)*time.Minute))))
	}
	other := newSession("d", base)
	other.UserAddress = operatorAddr
	require.NoError(t, store.CreateSession(ctx, other))

	got, err := store.ListSessionsByUser(ctx, userAddr, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	store.MustExec(t, "UPDATE funding_sessions SET status = 'FAILED' WHERE id = $1", "a")
	all, err := store.ListSessionsByUser(ctx, userAddr, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, funding.StatusFailed, all[2].Status)
}

func TestBigFromNumeric(t *testing.T) {
	tests := []struct {
		name    string
		in      pgtype.Numeric
		want    *big.Int
		wantErr bool
	}{
		{name: "null", in: pgtype.Numeric{}, want: nil},
		{name: "plain", in: pgtype.Numeric{Int: big.NewInt(42), Valid: true}, want: big.NewInt(42)},
		{name: "positive exponent", in: pgtype.Numeric{Int: big.NewInt(95), Exp: 6, Valid: true}, want: big.NewInt(95_000_000)},
		{name: "negative exponent integral", in: pgtype.Numeric{Int: big.NewInt(1200), Exp: -2, Valid: true}, want: big.NewInt(12)},
		{name: "fractional", in: pgtype.Numeric{Int: big.NewInt(1201), Exp: -2, Valid: true}, wantErr: true},
		{name: "nan", in: pgtype.Numeric{NaN: true, Valid: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bigFromNumeric(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNumericFromBig(t *testing.T) {
	n := numericFromBig(nil)
	assert.False(t, n.Valid)

	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	n = numericFromBig(huge)
	assert.True(t, n.Valid)
	back, err := bigFromNumeric(n)
	require.NoError(t, err)
	assert.Equal(t, 0, huge.Cmp(back))
}
