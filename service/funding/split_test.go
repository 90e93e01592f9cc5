package funding

import (
	"errors"
	"math/big"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSplit(t *testing.T) {
	tests := []struct {
		name        string
		total       *big.Int
		gasBps      uint32
		capitalBps  uint32
		wantGas     int64
		wantCapital int64
		wantErr     bool
	}{
		{name: "default split of 100", total: big.NewInt(100), gasBps: 500, capitalBps: 9500, wantGas: 5, wantCapital: 95},
		{name: "remainder goes to capital", total: big.NewInt(101), gasBps: 500, capitalBps: 9500, wantGas: 5, wantCapital: 96},
		{name: "single unit", total: big.NewInt(1), gasBps: 500, capitalBps: 9500, wantGas: 0, wantCapital: 1},
		{name: "all gas", total: big.NewInt(77), gasBps: 10000, capitalBps: 0, wantGas: 77, wantCapital: 0},
		{name: "usdc six decimals", total: big.NewInt(100_000_000), gasBps: 500, capitalBps: 9500, wantGas: 5_000_000, wantCapital: 95_000_000},
		{name: "zero total", total: big.NewInt(0), gasBps: 500, capitalBps: 9500, wantErr: true},
		{name: "negative total", total: big.NewInt(-5), gasBps: 500, capitalBps: 9500, wantErr: true},
		{name: "nil total", total: nil, gasBps: 500, capitalBps: 9500, wantErr: true},
		{name: "bps do not sum", total: big.NewInt(100), gasBps: 500, capitalBps: 9000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gas, capital, err := ComputeSplit(tt.total, tt.gasBps, tt.capitalBps)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAmount))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantGas, gas.Int64())
			assert.Equal(t, tt.wantCapital, capital.Int64())
		})
	}
}

func TestComputeSplit_SumsExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		total := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 96))
		total.Add(total, big.NewInt(1))
		gasBps := uint32(rng.Intn(BpsDenominator + 1))

		gas, capital, err := ComputeSplit(total, gasBps, BpsDenominator-gasBps)
		require.NoError(t, err)
		require.Zero(t, new(big.Int).Add(gas, capital).Cmp(total), "total %s gasBps %d", total, gasBps)
		require.True(t, gas.Sign() >= 0 && capital.Sign() >= 0)
	}
}

func TestMinimumOut(t *testing.T) {
	tests := []struct {
		expected int64
		bps      uint32
		want     int64
	}{
		{expected: 1_000_000, bps: 50, want: 995_000},
		{expected: 999, bps: 50, want: 994}, // floor(994.005)
		{expected: 1, bps: 1, want: 0},
		{expected: 12345, bps: 0, want: 12345},
		{expected: 12345, bps: 10000, want: 0},
	}
	for _, tt := range tests {
		got := MinimumOut(big.NewInt(tt.expected), tt.bps)
		assert.Equal(t, tt.want, got.Int64(), "expected=%d bps=%d", tt.expected, tt.bps)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		expected := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 100))
		bps := uint32(rng.Intn(BpsDenominator))
		want := new(big.Int).Mul(expected, big.NewInt(int64(BpsDenominator-bps)))
		want.Div(want, big.NewInt(BpsDenominator))
		require.Zero(t, MinimumOut(expected, bps).Cmp(want))
	}
}

func TestSessionStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPrepared.CanTransitionTo(StatusInProgress))
	assert.True(t, StatusPrepared.CanTransitionTo(StatusFailed))
	assert.True(t, StatusInProgress.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransitionTo(StatusInProgress))
	assert.False(t, StatusInProgress.CanTransitionTo(StatusPrepared))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusFailed))
	assert.False(t, StatusFailed.CanTransitionTo(StatusInProgress))
}

func TestStepKind_TextRoundTrip(t *testing.T) {
	for k := StepApprove; k <= StepTransferCapital; k++ {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var got StepKind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
	var k StepKind
	assert.Error(t, k.UnmarshalText([]byte("bridge")))
}

func TestDecodeFailure(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureCause
	}{
		{"execution reverted: Transaction too old", CauseDeadlineExpired},
		{"deadline expired", CauseDeadlineExpired},
		{"UniswapV2Router: EXPIRED", CauseDeadlineExpired},
		{"execution reverted: Too little received", CauseSlippageExceeded},
		{"UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT", CauseSlippageExceeded},
		{"execution reverted: STF", CauseInsufficientFunds},
		{"ERC20: transfer amount exceeds balance", CauseInsufficientFunds},
		{"MetaMask Tx Signature: User denied transaction signature.", CauseRejectedByUser},
		{"out of gas", CauseGeneric},
	}
	for _, tt := range tests {
		f := DecodeFailure(tt.msg)
		assert.Equal(t, tt.want, f.Cause, tt.msg)
		assert.ErrorIs(t, f, ErrStepExecutionFailed)
	}
	assert.Equal(t, "swap expired: requires re-quote", DecodeFailure("deadline expired").Message())
}

func TestIsTxHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want bool
	}{
		{name: "lowercase", hash: "0x" + strings.Repeat("ab", 32), want: true},
		{name: "mixed case", hash: "0x" + strings.Repeat("aB", 32), want: true},
		{name: "upper prefix", hash: "0X" + strings.Repeat("01", 32), want: true},
		{name: "no prefix", hash: strings.Repeat("ab", 32)},
		{name: "short", hash: "0x" + strings.Repeat("ab", 31)},
		{name: "long", hash: "0x" + strings.Repeat("ab", 33)},
		{name: "odd length", hash: "0x" + strings.Repeat("a", 63)},
		{name: "non hex", hash: "0x" + strings.Repeat("zz", 32)},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTxHash(tt.hash))
		})
	}
}
