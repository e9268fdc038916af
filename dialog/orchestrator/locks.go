package orchestrator

import (
	"context"
	"sync"

	"github.com/hrygo/dialogd/dialog/dialogerr"
)

// keyedLocks serializes turns per session. Each key holds a single-token
// channel; blocked acquirers are served in runtime FIFO order. At most depth
// callers may wait on one key; beyond that acquisition fails with SessionBusy.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
	depth int
}

type sessionLock struct {
	token   chan struct{}
	waiters int // holders + queued acquirers
}

func newKeyedLocks(depth int) *keyedLocks {
	if depth <= 0 {
		depth = 4
	}
	return &keyedLocks{locks: make(map[string]*sessionLock), depth: depth}
}

// Acquire takes the lock for key, waiting behind earlier turns on the same
// session. The returned release function must be called exactly once.
func (k *keyedLocks) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sessionLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		k.locks[key] = l
	}
	if l.waiters > k.depth {
		k.mu.Unlock()
		return nil, dialogerr.New(dialogerr.KindSessionBusy, "session %s has too many queued turns", key)
	}
	l.waiters++
	k.mu.Unlock()

	select {
	case <-l.token:
		return func() { k.release(key, l) }, nil
	case <-ctx.Done():
		k.mu.Lock()
		l.waiters--
		k.evictLocked(key, l)
		k.mu.Unlock()
		return nil, dialogerr.Wrap(dialogerr.KindSessionBusy, ctx.Err(), "gave up waiting for session %s", key)
	}
}

func (k *keyedLocks) release(key string, l *sessionLock) {
	l.token <- struct{}{}
	k.mu.Lock()
	l.waiters--
	k.evictLocked(key, l)
	k.mu.Unlock()
}

// evictLocked drops idle lock entries so the map does not grow with every
// session ever seen.
func (k *keyedLocks) evictLocked(key string, l *sessionLock) {
	if l.waiters == 0 && k.locks[key] == l {
		delete(k.locks, key)
	}
}
