package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() *funding.Session {
	return &funding.Session{
		ID:                "sess-42",
		TotalAmount:       big.NewInt(100),
		GasAmount:         big.NewInt(5),
		CapitalAmount:     big.NewInt(95),
		Status:            funding.StatusInProgress,
		LastCompletedStep: 2,
		Version:           7,
	}
}

func TestSessionNotifier_PublishesSnapshot(t *testing.T) {
	pub := NewMockPublisher()
	n := NewSessionNotifier(pub)

	require.NoError(t, n.Notify(context.Background(), testSession(), "step_succeeded"))

	events := pub.GetEventsForSession("sess-42")
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "step_succeeded", ev.Reason)
	assert.Equal(t, funding.StatusInProgress, ev.Status)
	assert.Equal(t, 2, ev.LastCompletedStep)
	assert.Equal(t, int64(7), ev.Version)
	assert.Equal(t, "sess-42", ev.Session.ID)
	assert.WithinDuration(t, time.Now(), ev.PublishedAt, 5*time.Second)

	assert.Empty(t, pub.GetEventsForSession("other"))
}

func TestSessionNotifier_PropagatesError(t *testing.T) {
	pub := NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))

	err := NewSessionNotifier(pub).Notify(context.Background(), testSession(), "prepared")
	assert.ErrorContains(t, err, "nats down")
	assert.Empty(t, pub.GetPublishedEvents())

	pub.Reset()
	require.NoError(t, NewSessionNotifier(pub).Notify(context.Background(), testSession(), "prepared"))
	assert.Len(t, pub.GetPublishedEvents(), 1)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "funding.abc", Subject("abc"))
}

// TestPublishSubscribe needs a JetStream-enabled server at TEST_NATS_URL.
func TestPublishSubscribe(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("Skipping NATS test (TEST_NATS_URL not set)")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, err := NewPublisher(url, nil, logger)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewSubscriber(url, logger)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := testSession()
	s.ID = uuid.NewString()
	subscription, err := sub.Subscribe(ctx, s.ID)
	require.NoError(t, err)
	defer subscription.Close()

	require.NoError(t, pub.PublishSessionEvent(ctx, FromSession(s, "resumed")))

	select {
	case ev := <-subscription.C():
		require.NotNil(t, ev)
		assert.Equal(t, s.ID, ev.SessionID)
		assert.Equal(t, "resumed", ev.Reason)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
