package services

import (
	"context"
	"fmt"
	"sync"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// SessionLocker serializes work per (tenant, phone). Unrelated customers never share a
// lock, and entries are dropped once nobody holds or waits for them.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewSessionLocker creates a new session locker
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{locks: make(map[string]*keyLock)}
}

func lockKey(tenantID, phone string) string { return tenantID + "|" + phone }

// Lock blocks until the session is free or ctx is done. The returned unlock func is
// safe to call more than once.
func (l *SessionLocker) Lock(ctx context.Context, tenantID, phone string) (func(), error) {
	key := lockKey(tenantID, phone)

	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, fmt.Errorf("lock session %s: %w (%v)", key, ErrConcurrentSessionConflict, ctx.Err())
	}
}

func (l *SessionLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// held counts keys currently tracked, for tests
func (l *SessionLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
