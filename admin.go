package taskqueue

import (
	"context"
	"time"
)

// Admin provides operational visibility and maintenance for the queue.
// *Engine implements both Queue and Admin.
type Admin interface {
	// GetJob returns a single job record regardless of its state.
	GetJob(ctx context.Context, id int64) (*Job, error)

	// ClearRateHistory forgets every recorded dispatch time, lifting all
	// rate limits until the next claim of each type.
	ClearRateHistory()

	// CleanupCompletedJobs deletes jobs completed before olderThan.
	// Returns the number of jobs deleted.
	CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error)

	// PurgeExhaustedJobs deletes jobs that used up their retry budget under
	// the given policies. Returns the number of jobs deleted.
	PurgeExhaustedJobs(ctx context.Context, caps Capabilities) (int64, error)

	// Sweep applies the configured retention to completed jobs.
	// It is a no-op when Config.CompletedRetention is zero.
	Sweep(ctx context.Context) (int64, error)
}
