package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "funding:lock:"

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder cannot release a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a funding.Locker shared by every server and worker process.
// Locks expire after ttl in case a holder dies without releasing.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewLocker creates a Redis-backed session lock. ttl <= 0 means one minute.
func NewLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, ttl: ttl, logger: logger.With("component", "session_lock")}
}

func (l *Locker) TryLock(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire session lock: %w", funding.ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, funding.ErrSessionBusy
	}

	return func() {
		// Release must not depend on the caller's context having survived.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.WarnContext(rctx, "failed to release session lock", "session_id", sessionID, "error", err)
		}
	}, nil
}
