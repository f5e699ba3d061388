// Package lock provides the mutual exclusion used to make match settlement
// run once across engine replicas.
package lock

import (
	"context"
	"time"
)

// Locker acquires short-lived named locks.
type Locker interface {
	// TryLock acquires key for ttl without waiting. It reports false when the
	// key is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a key previously acquired by this Locker.
	Unlock(ctx context.Context, key string) error
}

// NopLock always succeeds. Used when a single engine instance runs.
type NopLock struct{}

func NewNopLock() *NopLock { return &NopLock{} }

func (NopLock) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NopLock) Unlock(context.Context, string) error { return nil }
