package lock

import (
	"context"
	"sync"
)

// Local is an in-process keyed mutex. Entries are reference counted and dropped once
// no goroutine holds or waits for them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	// sem has capacity one; a value in it means held
	sem  chan struct{}
	refs int
}

var _ Locker = (*Local)(nil)

// NewLocal creates an empty keyed mutex
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) acquireEntry(name string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[name]
	if e == nil {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[name] = e
	}

	e.refs++

	return e
}

func (l *Local) releaseEntry(name string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, name)
	}
}

func (l *Local) unlocker(name string, e *localEntry) Unlocker {
	var once sync.Once

	return UnlockerFunc(func(_ context.Context) error {
		once.Do(func() {
			<-e.sem
			l.releaseEntry(name, e)
		})

		return nil
	})
}

// Lock waits for name to be free
func (l *Local) Lock(ctx context.Context, name string) (Unlocker, error) {
	e := l.acquireEntry(name)

	select {
	case e.sem <- struct{}{}:
		return l.unlocker(name, e), nil
	case <-ctx.Done():
		l.releaseEntry(name, e)
		return nil, ctx.Err()
	}
}

// TryLock takes name only if it is free
func (l *Local) TryLock(_ context.Context, name string) (Unlocker, error) {
	e := l.acquireEntry(name)

	select {
	case e.sem <- struct{}{}:
		return l.unlocker(name, e), nil
	default:
		l.releaseEntry(name, e)
		return nil, ErrLockHeld
	}
}

// Held returns the number of names currently held or awaited
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
