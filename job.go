package taskqueue

import "time"

// RestartAfterTimeout is recorded as the failure message when an expired
// claim is taken over by another RequestJob call.
const RestartAfterTimeout = "Restart after timeout"

// Job is a queued task record. Data is opaque to the queue; producers and
// workers agree on its format themselves.
type Job struct {
	ID        int64
	JobType   string
	Data      []byte
	Group     string
	Reference string
	CreatedAt time.Time

	// NotBefore is the earliest time the job may be claimed.
	// It defaults to CreatedAt.
	NotBefore time.Time

	// Fetched is the time of the most recent claim, nil if never claimed
	// or released again by MarkJobFailed.
	Fetched *time.Time

	// ExpiresAt is when the current claim times out: Fetched plus the
	// claiming worker's timeout. Cleared together with Fetched.
	ExpiresAt *time.Time

	// Completed is set by MarkJobDone and is terminal.
	Completed *time.Time

	// Failed counts failed attempts: explicit MarkJobFailed calls plus
	// claims that were restarted after their timeout elapsed.
	// A job with Failed >= Policy.Retries is never claimed again.
	Failed int

	FailureMessage string

	// WorkerKey is the token written by the claim that currently holds the job.
	WorkerKey string
}

// Status is the progress state reported for a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Status derives the progress state at now. A claim past its ExpiresAt
// counts as released, so a timed-out job with no retries left is FAILED.
func (j *Job) Status(now time.Time) Status {
	switch {
	case j.Completed != nil:
		return StatusCompleted
	case j.ClaimActive(now):
		return StatusInProgress
	case j.Failed > 0:
		return StatusFailed
	default:
		return StatusPending
	}
}

// ClaimActive reports whether a worker holds the job at now.
func (j *Job) ClaimActive(now time.Time) bool {
	if j.Fetched == nil {
		return false
	}
	return j.ExpiresAt == nil || now.Before(*j.ExpiresAt)
}

// ProgressEntry is one row of a group progress report.
type ProgressEntry struct {
	ID             int64
	Reference      string
	Status         Status
	Failed         int
	FailureMessage string
}
