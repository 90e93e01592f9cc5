package funding

import (
	"context"
	"sync"
)

// Locker admits at most one active execution per session. TryLock never
// waits: a held session yields ErrSessionBusy.
type Locker interface {
	TryLock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{active: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.active[sessionID]; held {
		return nil, ErrSessionBusy
	}
	l.active[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, sessionID)
			l.mu.Unlock()
		})
	}, nil
}
