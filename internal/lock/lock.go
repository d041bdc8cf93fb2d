// Package lock provides the distributed mutual-exclusion primitive the
// UserRolesSyncer uses to ensure only one instance runs a sync tick at
// a time across the fleet (§4.6). Two implementations share one
// interface: a Postgres advisory-lock backend for relational
// deployments and a Redis SET-NX-PX backend for remote-kv deployments.
// Neither reaches for a standalone distributed-lock library — both are
// built directly on a backend the service already depends on.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld indicates Unlock was called with a token that does not
// currently hold the lock (already expired, or never acquired).
var ErrNotHeld = errors.New("lock: token does not hold the lock")

// Lock is a named, TTL-bounded distributed mutex.
type Lock interface {
	// TryAcquire attempts to take name for maxDuration, returning the
	// holder token and true on success, or false if another holder
	// currently has it. It never blocks waiting for the lock to free.
	TryAcquire(ctx context.Context, name string, maxDuration time.Duration) (token string, acquired bool, err error)
	// Release gives up name early; token must match the current holder.
	Release(ctx context.Context, name, token string) error
}
