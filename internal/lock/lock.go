// Package lock serializes return mutations per (pharmacy, sale bill).
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrBusy = errors.New("another change to this bill is in progress")

// Release gives the lock back. It must be called exactly once.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

func BillKey(pharmacyID string, billID string) string {
	return "return-bill:" + pharmacyID + ":" + billID
}

type localEntry struct {
	slot chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Waiters give up when ctx is done.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, errors.Join(ErrBusy, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-entry.slot
			l.drop(key, entry)
		})
		return nil
	}, nil
}

func (l *Local) drop(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
