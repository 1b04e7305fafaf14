package txndb

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type lockKey struct {
	cf  uint32
	key string
}

type keyLock struct {
	owner    string
	holds    int
	released chan struct{}
}

// LockManager grants exclusive per-key locks to named owners. Keys are
// compared byte for byte. A waiter gives up when its context ends or, if the
// context has no deadline, after the manager's timeout.
type LockManager struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[lockKey]*keyLock
}

func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		timeout: timeout,
		locks:   make(map[lockKey]*keyLock),
	}
}

// Lock blocks until owner holds key. Locking a key the owner already holds
// only counts the extra hold.
func (m *LockManager) Lock(ctx context.Context, owner string, cf uint32, key []byte) error {
	if _, ok := ctx.Deadline(); !ok && m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	k := lockKey{cf: cf, key: string(key)}
	for {
		m.mu.Lock()
		l, ok := m.locks[k]
		if !ok {
			m.locks[k] = &keyLock{owner: owner, holds: 1, released: make(chan struct{})}
			m.mu.Unlock()
			return nil
		}
		if l.owner == owner {
			l.holds++
			m.mu.Unlock()
			return nil
		}
		wait := l.released
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return errors.Wrapf(ErrLockTimeout, "cf %d key %q held by %s: %v", cf, key, l.owner, ctx.Err())
		}
	}
}

// Unlock drops one hold of owner on key. It is a no-op for keys the owner
// does not hold.
func (m *LockManager) Unlock(owner string, cf uint32, key []byte) {
	k := lockKey{cf: cf, key: string(key)}

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok || l.owner != owner {
		return
	}
	l.holds--
	if l.holds == 0 {
		delete(m.locks, k)
		close(l.released)
	}
}

// Held returns the number of locked keys.
func (m *LockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
