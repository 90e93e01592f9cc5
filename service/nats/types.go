package nats

import (
	"time"

	"github.com/brojonat/fundsplit/service/funding"
)

// SessionEvent is published to the subject "funding.{session_id}" in JetStream
// every time a session transition is persisted.
type SessionEvent struct {
	SessionID         string                `json:"session_id"`
	Reason            string                `json:"reason"`
	Status            funding.SessionStatus `json:"status"`
	LastCompletedStep int                   `json:"last_completed_step"`
	Version           int64                 `json:"version"`

	// Session is the full snapshot after the transition.
	Session *funding.Session `json:"session"`

	PublishedAt time.Time `json:"published_at"`
}

// FromSession converts a persisted session into an event for publishing.
func FromSession(s *funding.Session, reason string) *SessionEvent {
	return &SessionEvent{
		SessionID:         s.ID,
		Reason:            reason,
		Status:            s.Status,
		LastCompletedStep: s.LastCompletedStep,
		Version:           s.Version,
		Session:           s,
		PublishedAt:       time.Now().UTC(),
	}
}

// Subject is the JetStream subject for a session's events.
func Subject(sessionID string) string {
	return SubjectPrefix + sessionID
}
