// Package resourceloader pulls typed resource inventories from external
// systems-of-record on a fixed interval, protected by a circuit breaker
// and retry policy, and exposes the last-known-good snapshot behind a
// HealthTracker staleness clock (§4.1).
package resourceloader

import (
	"sync/atomic"
	"time"
)

// HealthTracker exposes IsHealthy() = (now - lastSuccess) <= maxStaleness.
// Initial state is unhealthy; the first successful load flips it. Safe
// for concurrent use without locking: lastSuccess is stored behind a
// single atomic.Value.
type HealthTracker struct {
	maxStaleness time.Duration
	lastSuccess  atomic.Value // time.Time
}

// NewHealthTracker returns a HealthTracker in the initial unhealthy
// state.
func NewHealthTracker(maxStaleness time.Duration) *HealthTracker {
	return &HealthTracker{maxStaleness: maxStaleness}
}

// MarkSuccess records now as the last successful load time.
func (h *HealthTracker) MarkSuccess(now time.Time) {
	h.lastSuccess.Store(now)
}

// IsHealthy reports whether a successful load has ever been recorded and
// it happened within maxStaleness of now.
func (h *HealthTracker) IsHealthy() bool {
	return h.isHealthyAt(time.Now())
}

func (h *HealthTracker) isHealthyAt(now time.Time) bool {
	v := h.lastSuccess.Load()
	if v == nil {
		return false
	}
	last := v.(time.Time)
	return now.Sub(last) <= h.maxStaleness
}

// LastSuccess returns the last recorded success time and whether one has
// ever been recorded.
func (h *HealthTracker) LastSuccess() (time.Time, bool) {
	v := h.lastSuccess.Load()
	if v == nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}
