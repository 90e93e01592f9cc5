package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

const testTxHash = "0x5f0e0bd5e3a8e51c3f4dd0cb0b7a8f08e1c6f4b5a0ef0d2c8a1e4f3b2c1d0e9f"

func TestTrackStepWorkflow(t *testing.T) {
	input := TrackStepInput{
		SessionID: "sess-1",
		StepIndex: 2,
		TxHash:    testTxHash,
	}

	tests := []struct {
		name           string
		mockActivities func(awaitMock, recordMock *testsuite.MockCallWrapper)
		expectedError  bool
		validateResult func(*testing.T, *TrackStepResult)
	}{
		{
			name: "successful receipt is recorded as success",
			mockActivities: func(awaitMock, recordMock *testsuite.MockCallWrapper) {
				awaitMock.Return(&AwaitReceiptResult{BlockNumber: 1234, Success: true}, nil)
				recordMock.Return(&RecordStepOutcomeResult{SessionStatus: funding.StatusInProgress}, nil)
			},
			validateResult: func(t *testing.T, result *TrackStepResult) {
				assert.Equal(t, "sess-1", result.SessionID)
				assert.Equal(t, 2, result.StepIndex)
				assert.Equal(t, uint64(1234), result.BlockNumber)
				assert.True(t, result.Success)
				assert.Equal(t, funding.StatusInProgress, result.SessionStatus)
				assert.False(t, result.Skipped)
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "reverted receipt carries the reason",
			mockActivities: func(awaitMock, recordMock *testsuite.MockCallWrapper) {
				awaitMock.Return(&AwaitReceiptResult{BlockNumber: 99, RevertReason: "Too little received"}, nil)
				recordMock.Return(&RecordStepOutcomeResult{SessionStatus: funding.StatusFailed}, nil)
			},
			validateResult: func(t *testing.T, result *TrackStepResult) {
				assert.False(t, result.Success)
				assert.Equal(t, "Too little received", result.RevertReason)
				assert.Equal(t, funding.StatusFailed, result.SessionStatus)
			},
		},
		{
			name: "outcome already recorded by the caller",
			mockActivities: func(awaitMock, recordMock *testsuite.MockCallWrapper) {
				awaitMock.Return(&AwaitReceiptResult{BlockNumber: 5, Success: true}, nil)
				recordMock.Return(&RecordStepOutcomeResult{SessionStatus: funding.StatusCompleted, Skipped: true}, nil)
			},
			validateResult: func(t *testing.T, result *TrackStepResult) {
				assert.True(t, result.Skipped)
				assert.Equal(t, funding.StatusCompleted, result.SessionStatus)
			},
		},
		{
			name: "receipt never arrives",
			mockActivities: func(awaitMock, recordMock *testsuite.MockCallWrapper) {
				awaitMock.Return(nil, errors.New("receipt not found within 10m0s"))
				// RecordStepOutcome should NOT be called
			},
			expectedError: true,
		},
		{
			name: "recording keeps failing",
			mockActivities: func(awaitMock, recordMock *testsuite.MockCallWrapper) {
				awaitMock.Return(&AwaitReceiptResult{BlockNumber: 5, Success: true}, nil)
				recordMock.Return(nil, errors.New("session store unavailable"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			// Register activities first (before mocking)
			activities := &Activities{}
			env.RegisterActivity(activities.AwaitReceipt)
			env.RegisterActivity(activities.RecordStepOutcome)

			awaitMock := env.OnActivity(activities.AwaitReceipt, mock.Anything, mock.Anything)
			recordMock := env.OnActivity(activities.RecordStepOutcome, mock.Anything, mock.Anything)
			tt.mockActivities(awaitMock, recordMock)

			env.ExecuteWorkflow(TrackStepWorkflow, input)

			require.True(t, env.IsWorkflowCompleted())
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result TrackStepResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestTrackStepWorkflow_PassesReceiptToRecorder(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.AwaitReceipt)
	env.RegisterActivity(activities.RecordStepOutcome)

	env.OnActivity(activities.AwaitReceipt, mock.Anything, mock.MatchedBy(func(in AwaitReceiptInput) bool {
		// Defaults apply when the caller leaves them unset
		return in.TxHash == testTxHash && in.PollInterval == defaultPollInterval && in.Timeout == defaultReceiptTimeout
	})).Return(&AwaitReceiptResult{BlockNumber: 7, RevertReason: "Transaction too old"}, nil).Once()

	env.OnActivity(activities.RecordStepOutcome, mock.Anything, mock.MatchedBy(func(in RecordStepOutcomeInput) bool {
		return in.SessionID == "sess-9" &&
			in.StepIndex == 1 &&
			in.TxHash == testTxHash &&
			!in.Success &&
			in.RevertReason == "Transaction too old" &&
			!in.TrackingStartedAt.IsZero()
	})).Return(&RecordStepOutcomeResult{SessionStatus: funding.StatusFailed}, nil).Once()

	env.ExecuteWorkflow(TrackStepWorkflow, TrackStepInput{SessionID: "sess-9", StepIndex: 1, TxHash: testTxHash})

	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestTrackStepWorkflow_RecordRetries(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.AwaitReceipt)
	env.RegisterActivity(activities.RecordStepOutcome)

	env.OnActivity(activities.AwaitReceipt, mock.Anything, mock.Anything).
		Return(&AwaitReceiptResult{BlockNumber: 10, Success: true}, nil)

	// Session busy twice, then recorded
	callCount := 0
	env.OnActivity(activities.RecordStepOutcome, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
		if callCount < 3 {
			panic("session busy") // Temporal retries on panics
		}
	}).Return(&RecordStepOutcomeResult{SessionStatus: funding.StatusInProgress}, nil)

	env.ExecuteWorkflow(TrackStepWorkflow, TrackStepInput{
		SessionID:    "sess-2",
		StepIndex:    0,
		TxHash:       testTxHash,
		PollInterval: time.Second,
	})

	require.NoError(t, env.GetWorkflowError())
	var result TrackStepResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, funding.StatusInProgress, result.SessionStatus)
	assert.Equal(t, 3, callCount)
}
