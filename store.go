package taskqueue

import (
	"context"
	"time"
)

// Store is the row-level persistence the engine is built on. It offers no
// queue primitives; the only atomic operation required is the conditional
// single-row update behind ClaimJob. Every time comparison uses the instants
// passed in by the engine, never the store's own clock.
type Store interface {
	// InsertJob persists j and returns the assigned, monotonically increasing ID.
	InsertJob(ctx context.Context, j *Job) (int64, error)

	// FindCandidates returns up to q.Limit claimable jobs ordered by
	// NotBefore ascending, then ID ascending.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]Job, error)

	// ClaimJob applies c if the row still matches the observed state.
	// It reports false, without error, when another caller got there first.
	ClaimJob(ctx context.Context, c Claim) (bool, error)

	// GetJob returns ErrJobNotFound for unknown IDs.
	GetJob(ctx context.Context, id int64) (*Job, error)

	// CompleteJob sets Completed on an in-progress row. It reports false
	// when no in-progress row with that ID exists.
	CompleteJob(ctx context.Context, id int64, at time.Time) (bool, error)

	// FailJob increments Failed, records message and clears the claim on an
	// in-progress row. It reports false when no in-progress row with that
	// ID exists.
	FailJob(ctx context.Context, id int64, message string) (bool, error)

	// CountPending counts rows with Completed unset, optionally for one type.
	CountPending(ctx context.Context, jobType string) (int64, error)

	// ListGroup returns every row of group ordered by ID.
	ListGroup(ctx context.Context, group string) ([]Job, error)

	// DeleteCompleted removes rows completed before the given time.
	DeleteCompleted(ctx context.Context, before time.Time) (int64, error)

	// DeleteExhausted removes uncompleted rows that can no longer be
	// claimed under q.Types.
	DeleteExhausted(ctx context.Context, q ExhaustedQuery) (int64, error)
}

// TypeFilter is the per-type part of a candidate or exhaustion predicate.
type TypeFilter struct {
	JobType string

	// MaxFailed is the retry budget: candidates need Failed < MaxFailed,
	// exhausted rows have Failed >= MaxFailed.
	MaxFailed int

	// ExpiredBefore is now minus the type's timeout; a claim fetched at or
	// before it has expired.
	ExpiredBefore time.Time
}

// Matches reports whether j is a claim candidate under f at now.
func (f TypeFilter) Matches(j *Job, now time.Time) bool {
	if j.JobType != f.JobType || j.Completed != nil || j.NotBefore.After(now) {
		return false
	}
	if j.Failed >= f.MaxFailed {
		return false
	}
	return j.Fetched == nil || !j.Fetched.After(f.ExpiredBefore)
}

// ExhaustedBy reports whether j can never be claimed again under f.
func (f TypeFilter) ExhaustedBy(j *Job) bool {
	if j.JobType != f.JobType || j.Completed != nil || j.Failed < f.MaxFailed {
		return false
	}
	return j.Fetched == nil || !j.Fetched.After(f.ExpiredBefore)
}

// CandidateQuery selects claimable jobs.
type CandidateQuery struct {
	Now   time.Time
	Types []TypeFilter

	// Group restricts candidates to one group; empty ignores groups entirely.
	Group string

	Limit int
}

// Matches reports whether j satisfies the query.
func (q CandidateQuery) Matches(j *Job) bool {
	if q.Group != "" && j.Group != q.Group {
		return false
	}
	for _, f := range q.Types {
		if f.Matches(j, q.Now) {
			return true
		}
	}
	return false
}

// ExhaustedQuery selects jobs that used up their retry budget.
type ExhaustedQuery struct {
	Types []TypeFilter
}

// Claim is a conditional update on one row. It applies only if the row is
// uncompleted and still has the Fetched, Failed and WorkerKey values the
// caller observed when it selected the candidate.
type Claim struct {
	ID int64

	PrevFetched   *time.Time
	PrevFailed    int
	PrevWorkerKey string

	Fetched   time.Time
	ExpiresAt time.Time
	WorkerKey string

	// Restart marks the takeover of an expired claim: Failed is incremented
	// and FailureMessage is set.
	Restart        bool
	FailureMessage string
}

// Matches reports whether j still carries the state the claim was based on.
func (c Claim) Matches(j *Job) bool {
	if j.Completed != nil || j.Failed != c.PrevFailed || j.WorkerKey != c.PrevWorkerKey {
		return false
	}
	if c.PrevFetched == nil {
		return j.Fetched == nil
	}
	return j.Fetched != nil && j.Fetched.Equal(*c.PrevFetched)
}

// Apply writes the claim into j.
func (c Claim) Apply(j *Job) {
	fetched, expires := c.Fetched, c.ExpiresAt
	j.Fetched = &fetched
	j.ExpiresAt = &expires
	j.WorkerKey = c.WorkerKey
	if c.Restart {
		j.Failed++
		j.FailureMessage = c.FailureMessage
	}
}
