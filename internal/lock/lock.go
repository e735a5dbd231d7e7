// Package lock provides per-key try-locks for lifecycle sweeps. Acquire
// never waits: a held key fails immediately with
// model.ErrConcurrencyConflict, which sweep callers treat as "someone else
// is already doing this".
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/spread-market/internal/model"
)

// Locker hands out exclusive, non-blocking locks keyed by string.
type Locker interface {
	// Acquire obtains key for at most ttl. The returned release func is
	// safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Local is an in-process Locker. ttl is ignored; the lock is held until
// released.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%w: lock %s held", model.ErrConcurrencyConflict, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

var _ Locker = (*Local)(nil)
