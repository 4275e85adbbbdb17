// Package lock provides per-artifact mutual exclusion. Acquisition blocks
// until the lock is free or the context ends.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/and161185/retoucher/internal/errs"
)

// Locker serializes work per key.
type Locker interface {
	// Lock blocks until key is held. The returned func releases it and is
	// safe to call more than once. A context that ends first yields
	// errs.ErrLockTimeout.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key builds the lock key for an artifact.
func Key(sessionID, artifactID string) string {
	return sessionID + "/" + artifactID
}

// HashKey maps a key to a stable signed 64-bit id.
func HashKey(key string) int64 {
	h := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(h[:8]))
}

func timeoutErr(key string, cause error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrLockTimeout, key, cause)
}

// Local is an in-process Locker. Entries are reference counted and dropped
// once nobody holds or waits for them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, timeoutErr(key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
