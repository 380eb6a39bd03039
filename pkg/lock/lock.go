// Package lock provides per-name mutual exclusion for writers of one cache key, either
// within a process or across processes sharing a Redis instance.
package lock

import (
	"context"
	"errors"
)

var (
	// ErrLockHeld is returned by TryLock when another holder owns the lock
	ErrLockHeld = errors.New("lock is held by another owner")
	// ErrLockLost is returned by Unlock when the lease expired before release
	ErrLockLost = errors.New("lock lease was lost")
)

// Unlocker releases a held lock
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker hands out exclusive locks by name
type Locker interface {
	// Lock blocks until the lock is held or ctx is done
	Lock(ctx context.Context, name string) (Unlocker, error)
	// TryLock acquires the lock if it is free and returns ErrLockHeld otherwise
	TryLock(ctx context.Context, name string) (Unlocker, error)
}

// UnlockerFunc adapts a function to Unlocker
type UnlockerFunc func(ctx context.Context) error

// Unlock calls f
func (f UnlockerFunc) Unlock(ctx context.Context) error {
	return f(ctx)
}
