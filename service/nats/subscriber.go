package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber opens per-caller subscriptions to session events.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming session events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*Subscriber, error) {
	nc, js, err := connect(natsURL, "fundsplit-subscriber")
	if err != nil {
		return nil, err
	}
	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}
	logger.Info("NATS subscriber initialized", "nats_url", natsURL)
	return &Subscriber{nc: nc, js: js, logger: logger}, nil
}

// Close closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}

// Subscription delivers decoded events until Close is called or the
// context passed to Subscribe ends. C is closed afterwards.
type Subscription struct {
	ch     chan *SessionEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// C returns the event channel.
func (s *Subscription) C() <-chan *SessionEvent { return s.ch }

// Close stops delivery and waits for the consumer to shut down.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe streams new events for sessionID, or for every session when
// sessionID is empty. Only events published after the call are delivered.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	subject := StreamSubjects
	if sessionID != "" {
		subject = Subject(sessionID)
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		// Ephemeral - removed by the server once inactive
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subject, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ch:     make(chan *SessionEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()
		var event SessionEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal session event", "subject", msg.Subject(), "error", err)
			return
		}
		select {
		case sub.ch <- &event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming %s: %w", subject, err)
	}

	go func() {
		defer close(sub.done)
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(sub.ch)
	}()

	return sub, nil
}
