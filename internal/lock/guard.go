// Package lock serializes lifecycle operations on shared on-disk state. A
// Guard combines a keyed in-process mutex with an advisory file lock so that
// goroutines and separate processes agree on a single owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockContention is returned when ctx ends while waiting for a lock.
var ErrLockContention = errors.New("lock contention")

type keyLock struct {
	ch   chan struct{} // one slot, held while the key is owned
	refs int           // holders plus waiters
}

// Guard is safe for concurrent use. The zero value is not usable; call
// NewGuard. One Guard per process is enough; keys keep unrelated resources
// independent.
type Guard struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

func NewGuard() *Guard {
	return &Guard{keys: make(map[string]*keyLock)}
}

// WithLock runs fn while holding key in this process and, when lockFile is
// not empty, an exclusive advisory lock on lockFile across processes. The
// locks are released on every exit path of fn, panics included.
func (g *Guard) WithLock(ctx context.Context, key, lockFile string, fn func(context.Context) error) error {
	release, err := g.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	if lockFile != "" {
		fl, err := Acquire(ctx, lockFile)
		if err != nil {
			return err
		}
		defer func() { _ = fl.Release() }()
	}
	return fn(ctx)
}

func (g *Guard) acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	kl := g.keys[key]
	if kl == nil {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		g.keys[key] = kl
	}
	kl.refs++
	g.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				g.unref(key, kl)
			})
		}, nil
	case <-ctx.Done():
		g.unref(key, kl)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockContention, key, ctx.Err())
	}
}

func (g *Guard) unref(key string, kl *keyLock) {
	g.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(g.keys, key)
	}
	g.mu.Unlock()
}

// Len reports how many keys are held or awaited.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}
