package taskqueue

import "context"

// Queue is the interface for the task queue.
// It stores typed jobs with opaque payloads, not-before scheduling,
// grouping and per-type rate limits. The queue has no knowledge of what
// jobs do; workers interpret the data.
type Queue interface {
	// CreateJob adds a pending job. Returns the job ID.
	CreateJob(ctx context.Context, jobType string, data []byte, opts ...CreateOption) (int64, error)

	// RequestJob atomically claims the next eligible job among the types in
	// caps, optionally restricted to group. Returns nil if no job is available.
	RequestJob(ctx context.Context, caps Capabilities, group string) (*Job, error)

	// MarkJobDone completes a job that is currently in progress.
	MarkJobDone(ctx context.Context, id int64) error

	// MarkJobFailed records a failed attempt and releases the job for
	// another claim, subject to its retry budget.
	MarkJobFailed(ctx context.Context, id int64, message string) error

	// Length returns the number of jobs not yet completed, optionally
	// restricted to one job type ("" counts all types).
	Length(ctx context.Context, jobType string) (int64, error)

	// Progress reports every job of group in creation order.
	Progress(ctx context.Context, group string) ([]ProgressEntry, error)
}
