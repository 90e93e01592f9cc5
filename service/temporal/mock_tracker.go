package temporal

import (
	"context"
	"sync"
)

// TrackedStep is one TrackStep call recorded by MockTracker.
type TrackedStep struct {
	SessionID string
	StepIndex int
	TxHash    string
}

// MockTracker is a mock implementation of funding.Tracker for testing.
type MockTracker struct {
	mu       sync.Mutex
	tracked  map[string]TrackedStep // map[workflowID]step
	trackErr error
}

// NewMockTracker creates a new MockTracker.
func NewMockTracker() *MockTracker {
	return &MockTracker{
		tracked: make(map[string]TrackedStep),
	}
}

// TrackStep records the step. Tracking the same step twice keeps one entry,
// like the workflow ID dedupe of the real client.
func (m *MockTracker) TrackStep(ctx context.Context, sessionID string, stepIndex int, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trackErr != nil {
		return m.trackErr
	}
	id := trackingWorkflowID(sessionID, stepIndex)
	if _, exists := m.tracked[id]; !exists {
		m.tracked[id] = TrackedStep{SessionID: sessionID, StepIndex: stepIndex, TxHash: txHash}
	}
	return nil
}

// SetTrackError makes TrackStep return an error.
func (m *MockTracker) SetTrackError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackErr = err
}

// Tracked returns the recorded step for a session and index.
func (m *MockTracker) Tracked(sessionID string, stepIndex int) (TrackedStep, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.tracked[trackingWorkflowID(sessionID, stepIndex)]
	return step, ok
}

// TrackedCount returns the number of distinct tracked steps.
func (m *MockTracker) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Reset clears all tracked steps and errors.
func (m *MockTracker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = make(map[string]TrackedStep)
	m.trackErr = nil
}
