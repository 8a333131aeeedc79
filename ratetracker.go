package taskqueue

import (
	"sync"
	"time"
)

// RateTracker remembers when each job type was last dispatched.
// It is safe for concurrent use within one process.
type RateTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateTracker creates an empty tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{
		last: make(map[string]time.Time),
	}
}

// Allowed reports whether jobType may be dispatched at now under rate.
func (r *RateTracker) Allowed(jobType string, rate time.Duration, now time.Time) bool {
	if rate <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowedLocked(jobType, rate, now)
}

func (r *RateTracker) allowedLocked(jobType string, rate time.Duration, now time.Time) bool {
	previous, exists := r.last[jobType]
	return !exists || now.Sub(previous) >= rate
}

// Reserve atomically checks the limit and records now as the last dispatch
// of jobType. The returned release func undoes the reservation if it is
// still the latest one; call it when the dispatch did not happen.
func (r *RateTracker) Reserve(jobType string, rate time.Duration, now time.Time) (release func(), ok bool) {
	if rate <= 0 {
		return func() {}, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allowedLocked(jobType, rate, now) {
		return nil, false
	}
	previous, existed := r.last[jobType]
	r.last[jobType] = now

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.last[jobType]; !ok || !current.Equal(now) {
			return
		}
		if existed {
			r.last[jobType] = previous
		} else {
			delete(r.last, jobType)
		}
	}, true
}

// Record stores now as the last dispatch of jobType unconditionally.
func (r *RateTracker) Record(jobType string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[jobType] = now
}

// LastDispatch returns the last recorded dispatch of jobType.
func (r *RateTracker) LastDispatch(jobType string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.last[jobType]
	return t, ok
}

// Clear forgets all recorded dispatches.
func (r *RateTracker) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]time.Time)
}
