package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "funding:session:"
	defaultTTL       = 30 * time.Second
	terminalTTL      = 24 * time.Hour
)

// SessionGetter is the store read the cache falls back to.
type SessionGetter interface {
	GetSession(ctx context.Context, id string) (*funding.Session, error)
}

// SessionCache serves session status reads from Redis and falls through to
// the store on a miss. It is kept current as a funding.Notifier: every
// persisted transition overwrites the cached snapshot. The orchestrator
// never reads through it.
type SessionCache struct {
	client  *redis.Client
	store   SessionGetter
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSessionCache creates a cache in front of store. ttl <= 0 uses 30s for
// open sessions; terminal sessions are kept for a day.
// If metrics is nil, no metrics will be recorded.
func NewSessionCache(client *redis.Client, store SessionGetter, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *SessionCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCache{
		client:  client,
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  logger.With("component", "session_cache"),
	}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (c *SessionCache) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(result)
	}
}

// GetSession returns the cached snapshot or loads and caches it.
// Redis failures degrade to a direct store read.
func (c *SessionCache) GetSession(ctx context.Context, id string) (*funding.Session, error) {
	raw, err := c.client.Get(ctx, sessionKey(id)).Bytes()
	switch {
	case err == nil:
		var s funding.Session
		if uerr := json.Unmarshal(raw, &s); uerr == nil {
			c.record("hit")
			return &s, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable cache entry", "session_id", id)
		c.record("miss")
	case errors.Is(err, redis.Nil):
		c.record("miss")
	default:
		c.record("error")
		c.logger.WarnContext(ctx, "session cache read failed", "session_id", id, "error", err)
	}

	s, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	// A fill never overwrites: a concurrent Notify may already hold a newer snapshot.
	if err := c.put(ctx, s, false); err != nil {
		c.logger.WarnContext(ctx, "session cache write failed", "session_id", id, "error", err)
	}
	return s, nil
}

// Notify refreshes the cached snapshot after a persisted transition. If the
// write fails the entry is dropped so reads fall through to the store; an
// error is returned only when a stale entry may remain.
func (c *SessionCache) Notify(ctx context.Context, s *funding.Session, _ string) error {
	err := c.put(ctx, s, true)
	if err == nil {
		return nil
	}
	if derr := c.Invalidate(ctx, s.ID); derr != nil {
		return errors.Join(err, fmt.Errorf("failed to drop cached session %s: %w", s.ID, derr))
	}
	c.logger.WarnContext(ctx, "session cache refresh failed, entry dropped", "session_id", s.ID, "error", err)
	return nil
}

// Invalidate drops a cached snapshot.
func (c *SessionCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, sessionKey(id)).Err()
}

func (c *SessionCache) put(ctx context.Context, s *funding.Session, overwrite bool) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ttl := c.ttl
	if s.Status.Terminal() {
		ttl = terminalTTL
	}
	if overwrite {
		err = c.client.Set(ctx, sessionKey(s.ID), b, ttl).Err()
	} else {
		err = c.client.SetNX(ctx, sessionKey(s.ID), b, ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to cache session %s: %w", s.ID, err)
	}
	return nil
}
