package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Mock receipt client
type MockReceiptClient struct {
	mock.Mock
}

func (m *MockReceiptClient) WaitForReceipt(ctx context.Context, txHash common.Hash, poll, timeout time.Duration) (*types.Receipt, error) {
	args := m.Called(ctx, txHash, poll, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

func (m *MockReceiptClient) RevertReason(ctx context.Context, txHash common.Hash) (string, error) {
	args := m.Called(ctx, txHash)
	return args.String(0), args.Error(1)
}

// Mock step recorder
type MockStepRecorder struct {
	mock.Mock
}

func (m *MockStepRecorder) RecordStepResult(ctx context.Context, r funding.StepResult) (*funding.Session, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*funding.Session), args.Error(1)
}

func TestActivities_AwaitReceipt(t *testing.T) {
	hash := common.HexToHash(testTxHash)

	tests := []struct {
		name           string
		input          AwaitReceiptInput
		setupMock      func(*MockReceiptClient)
		expectedResult *AwaitReceiptResult
		expectedError  bool
	}{
		{
			name:  "successful receipt",
			input: AwaitReceiptInput{TxHash: testTxHash, PollInterval: time.Second, Timeout: time.Minute},
			setupMock: func(m *MockReceiptClient) {
				m.On("WaitForReceipt", mock.Anything, hash, time.Second, time.Minute).
					Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 21000}, nil)
			},
			expectedResult: &AwaitReceiptResult{BlockNumber: 42, GasUsed: 21000, Success: true},
		},
		{
			name:  "reverted receipt decodes the reason",
			input: AwaitReceiptInput{TxHash: testTxHash},
			setupMock: func(m *MockReceiptClient) {
				m.On("WaitForReceipt", mock.Anything, hash, time.Duration(0), time.Duration(0)).
					Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(43), GasUsed: 90000}, nil)
				m.On("RevertReason", mock.Anything, hash).Return("Too little received", nil)
			},
			expectedResult: &AwaitReceiptResult{BlockNumber: 43, GasUsed: 90000, RevertReason: "Too little received"},
		},
		{
			name:  "revert reason unavailable falls back",
			input: AwaitReceiptInput{TxHash: testTxHash},
			setupMock: func(m *MockReceiptClient) {
				m.On("WaitForReceipt", mock.Anything, hash, mock.Anything, mock.Anything).
					Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(44)}, nil)
				m.On("RevertReason", mock.Anything, hash).Return("", errors.New("archive node required"))
			},
			expectedResult: &AwaitReceiptResult{BlockNumber: 44, RevertReason: "execution reverted"},
		},
		{
			name:  "receipt wait fails",
			input: AwaitReceiptInput{TxHash: testTxHash},
			setupMock: func(m *MockReceiptClient) {
				m.On("WaitForReceipt", mock.Anything, hash, mock.Anything, mock.Anything).
					Return(nil, errors.New("rpc unavailable"))
			},
			expectedError: true,
		},
		{
			name:          "malformed hash is rejected",
			input:         AwaitReceiptInput{TxHash: "0x1234"},
			setupMock:     func(m *MockReceiptClient) {},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipts := new(MockReceiptClient)
			tt.setupMock(receipts)

			activities := NewActivities(receipts, nil, nil, slog.Default())

			result, err := activities.AwaitReceipt(context.Background(), tt.input)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Nil(t, result)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectedResult, result)
			}

			receipts.AssertExpectations(t)
		})
	}
}

func TestActivities_AwaitReceipt_MalformedHashNotRetried(t *testing.T) {
	activities := NewActivities(new(MockReceiptClient), nil, nil, slog.Default())

	_, err := activities.AwaitReceipt(context.Background(), AwaitReceiptInput{TxHash: "not-a-hash"})

	var appErr *temporalsdk.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}

func TestActivities_RecordStepOutcome(t *testing.T) {
	inProgress := &funding.Session{ID: "sess-1", Status: funding.StatusInProgress}
	completed := &funding.Session{ID: "sess-1", Status: funding.StatusCompleted}
	failed := &funding.Session{ID: "sess-1", Status: funding.StatusFailed}

	tests := []struct {
		name           string
		input          RecordStepOutcomeInput
		setupMock      func(*MockStepRecorder)
		expectedResult *RecordStepOutcomeResult
		expectedError  bool
		nonRetryable   bool
	}{
		{
			name:  "success is reported",
			input: RecordStepOutcomeInput{SessionID: "sess-1", StepIndex: 0, TxHash: testTxHash, Success: true},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, funding.StepResult{
					SessionID: "sess-1",
					StepIndex: 0,
					Status:    funding.StepSuccess,
					TxHash:    testTxHash,
				}).Return(inProgress, nil)
			},
			expectedResult: &RecordStepOutcomeResult{SessionStatus: funding.StatusInProgress},
		},
		{
			name:  "revert is reported as failure with reason",
			input: RecordStepOutcomeInput{SessionID: "sess-1", StepIndex: 1, TxHash: testTxHash, RevertReason: "Too little received"},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, funding.StepResult{
					SessionID:    "sess-1",
					StepIndex:    1,
					Status:       funding.StepFailed,
					TxHash:       testTxHash,
					ErrorMessage: "Too little received",
				}).Return(failed, nil)
			},
			expectedResult: &RecordStepOutcomeResult{SessionStatus: funding.StatusFailed},
		},
		{
			name:  "terminal session is skipped",
			input: RecordStepOutcomeInput{SessionID: "sess-1", StepIndex: 5, TxHash: testTxHash, Success: true},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, mock.Anything).
					Return(completed, fmt.Errorf("%w: session sess-1 is COMPLETED", funding.ErrSessionAlreadyTerminal))
			},
			expectedResult: &RecordStepOutcomeResult{SessionStatus: funding.StatusCompleted, Skipped: true},
		},
		{
			name:  "step already past is skipped",
			input: RecordStepOutcomeInput{SessionID: "sess-1", StepIndex: 0, TxHash: testTxHash},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: step 0 already completed", funding.ErrOutOfOrderStep))
			},
			expectedResult: &RecordStepOutcomeResult{Skipped: true},
		},
		{
			name:  "verification shortfall is still recorded",
			input: RecordStepOutcomeInput{SessionID: "sess-1", StepIndex: 5, TxHash: testTxHash, Success: true},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, mock.Anything).
					Return(failed, fmt.Errorf("%w: gas leg short", funding.ErrVerificationShortfall))
			},
			expectedResult: &RecordStepOutcomeResult{SessionStatus: funding.StatusFailed},
		},
		{
			name:  "busy session is retried",
			input: RecordStepOutcomeInput{SessionID: "sess-1", StepIndex: 0, TxHash: testTxHash, Success: true},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, mock.Anything).Return(nil, funding.ErrSessionBusy)
			},
			expectedError: true,
		},
		{
			name:  "missing session is not retried",
			input: RecordStepOutcomeInput{SessionID: "gone", StepIndex: 0, TxHash: testTxHash, Success: true},
			setupMock: func(m *MockStepRecorder) {
				m.On("RecordStepResult", mock.Anything, mock.Anything).Return(nil, funding.ErrSessionNotFound)
			},
			expectedError: true,
			nonRetryable:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := new(MockStepRecorder)
			tt.setupMock(recorder)

			activities := NewActivities(nil, recorder, nil, slog.Default())

			result, err := activities.RecordStepOutcome(context.Background(), tt.input)

			if tt.expectedError {
				require.Error(t, err)
				assert.Nil(t, result)
				var appErr *temporalsdk.ApplicationError
				if tt.nonRetryable {
					require.ErrorAs(t, err, &appErr)
					assert.True(t, appErr.NonRetryable())
				} else {
					assert.ErrorIs(t, err, funding.ErrSessionBusy)
				}
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectedResult, result)
			}

			recorder.AssertExpectations(t)
		})
	}
}

func TestMockTracker_DedupesSteps(t *testing.T) {
	tracker := NewMockTracker()
	ctx := context.Background()

	require.NoError(t, tracker.TrackStep(ctx, "sess-1", 0, testTxHash))
	require.NoError(t, tracker.TrackStep(ctx, "sess-1", 0, "0xother"))
	require.NoError(t, tracker.TrackStep(ctx, "sess-1", 1, testTxHash))

	assert.Equal(t, 2, tracker.TrackedCount())
	step, ok := tracker.Tracked("sess-1", 0)
	require.True(t, ok)
	assert.Equal(t, testTxHash, step.TxHash)

	tracker.SetTrackError(errors.New("temporal unavailable"))
	assert.Error(t, tracker.TrackStep(ctx, "sess-2", 0, testTxHash))

	tracker.Reset()
	assert.Equal(t, 0, tracker.TrackedCount())
	assert.Equal(t, "track-step-sess-1-3", trackingWorkflowID("sess-1", 3))
}
