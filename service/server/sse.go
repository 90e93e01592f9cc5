package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/fundsplit/service/metrics"
	natspkg "github.com/brojonat/fundsplit/service/nats"
)

const sseKeepalive = 15 * time.Second

// EventStream is one live feed of session events.
type EventStream interface {
	C() <-chan *natspkg.SessionEvent
	Close()
}

// EventSubscriber opens event streams for a session.
type EventSubscriber interface {
	Subscribe(ctx context.Context, sessionID string) (EventStream, error)
}

// natsEvents adapts the NATS subscriber to EventSubscriber.
type natsEvents struct {
	sub *natspkg.Subscriber
}

// NewNATSEvents serves session event streams from JetStream.
func NewNATSEvents(sub *natspkg.Subscriber) EventSubscriber {
	return natsEvents{sub: sub}
}

func (n natsEvents) Subscribe(ctx context.Context, sessionID string) (EventStream, error) {
	sub, err := n.sub.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// handleStreamSession streams a session's transitions as Server-Sent Events.
// The first event is a snapshot of the current state; the stream ends after
// the session reaches a terminal status.
// GET /api/v1/sessions/{id}/events
func handleStreamSession(events EventSubscriber, sessions SessionReader, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		if err := validateSessionID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Subscribe before the snapshot so no transition falls between them.
		stream, err := events.Subscribe(ctx, id)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to session events", "session_id", id, "error", err)
			writeJSON(w, errorResponse{Error: "failed to subscribe", Outcome: OutcomeInternalError}, http.StatusServiceUnavailable)
			return
		}
		defer stream.Close()

		snapshot, err := sessions.GetSession(ctx, id)
		if err != nil {
			writeFailure(w, r, logger, err, nil)
			return
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			logger.DebugContext(ctx, "could not clear write deadline", "error", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}
		logger.DebugContext(ctx, "SSE client connected", "session_id", id, "remote_addr", r.RemoteAddr)

		send := func(event string, data interface{}) bool {
			payload, err := json.Marshal(data)
			if err != nil {
				logger.WarnContext(ctx, "failed to marshal event", "session_id", id, "error", err)
				return true
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
				return false
			}
			if err := rc.Flush(); err != nil {
				return false
			}
			if m != nil {
				m.RecordSSEEventSent(event)
			}
			return true
		}

		if !send("snapshot", natspkg.FromSession(snapshot, "snapshot")) || snapshot.Status.Terminal() {
			return
		}

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				// Comment line keeps proxies from timing out the connection
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}

			case ev, ok := <-stream.C():
				if !ok {
					return
				}
				// Events older than the snapshot were already reflected in it.
				if ev.Version != 0 && ev.Version <= snapshot.Version {
					continue
				}
				if !send("session", ev) {
					return
				}
				logger.DebugContext(ctx, "sent session event",
					"session_id", id,
					"reason", ev.Reason,
					"status", string(ev.Status),
				)
				if ev.Status.Terminal() {
					return
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "session_id", id, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
