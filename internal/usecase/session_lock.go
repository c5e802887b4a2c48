package usecase

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker serializes runs that share one history session, so two
// runs never read and write the same retained conversation concurrently.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is a one-slot semaphore; waiting on it can be abandoned.
type sessionLock struct {
	slot     chan struct{}
	refCount int
}

// NewSessionLocker creates a new session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{
		locks: make(map[string]*sessionLock),
	}
}

// Lock acquires the lock for key. It blocks until the lock is acquired or
// ctx ends. The returned unlock function must be called exactly once.
func (sl *SessionLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	sl.mu.Lock()
	l, ok := sl.locks[key]
	if !ok {
		l = &sessionLock{slot: make(chan struct{}, 1)}
		sl.locks[key] = l
	}
	l.refCount++
	sl.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.slot
				sl.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		sl.release(key, l)
		return nil, fmt.Errorf("session lock %q: %w", key, ctx.Err())
	}
}

func (sl *SessionLocker) release(key string, l *sessionLock) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	l.refCount--
	if l.refCount == 0 {
		delete(sl.locks, key)
	}
}

// ActiveCount returns the number of sessions with held or awaited locks.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
