package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mhpenta/taskqueue/timeexpr"
)

var (
	_ Queue = (*Engine)(nil)
	_ Admin = (*Engine)(nil)
)

// Engine implements Queue and Admin on top of any Store.
//
// Mutual exclusion between concurrent RequestJob callers, in this process or
// others, comes only from the store's conditional ClaimJob update. The rate
// tracker is local to the engine; share one with WithRateTracker when several
// engines in a process serve the same store.
type Engine struct {
	store  Store
	config Config
	rates  *RateTracker
	clock  func() time.Time
	logger *slog.Logger
}

// New returns an Engine backed by store.
func New(store Store, config Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		config: config.withDefaults(),
		rates:  NewRateTracker(),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// now is truncated to milliseconds, the resolution every backend persists.
func (e *Engine) now() time.Time {
	return e.clock().Truncate(time.Millisecond)
}

// ResolvePolicy fills zero Timeout and Retries from the engine config.
func (e *Engine) ResolvePolicy(p Policy) Policy {
	if p.Timeout == 0 {
		p.Timeout = e.config.DefaultTimeout
	}
	if p.Retries == 0 {
		p.Retries = e.config.DefaultRetries
	}
	return p
}

func (e *Engine) CreateJob(ctx context.Context, jobType string, data []byte, opts ...CreateOption) (int64, error) {
	if err := ValidateJobType(jobType); err != nil {
		return 0, err
	}

	options := applyCreateOptions(opts)
	now := e.now()

	notBefore := now
	switch {
	case options.NotBeforeExpr != "":
		t, err := timeexpr.Parse(options.NotBeforeExpr, now)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidNotBefore, err)
		}
		notBefore = t.Truncate(time.Millisecond)
	case !options.NotBefore.IsZero():
		notBefore = options.NotBefore.Truncate(time.Millisecond)
	case options.Delay != 0:
		notBefore = now.Add(options.Delay).Truncate(time.Millisecond)
	}

	id, err := e.store.InsertJob(ctx, &Job{
		JobType:   jobType,
		Data:      data,
		Group:     options.Group,
		Reference: options.Reference,
		CreatedAt: now,
		NotBefore: notBefore,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	e.logger.Debug("job created", "job_id", id, "job_type", jobType, "not_before", notBefore, "group", options.Group)
	return id, nil
}

func (e *Engine) RequestJob(ctx context.Context, caps Capabilities, group string) (*Job, error) {
	if err := ValidateCapabilities(caps); err != nil {
		return nil, err
	}

	now := e.now()
	policies := make(map[string]Policy, len(caps))
	filters := make([]TypeFilter, 0, len(caps))
	for _, jobType := range slices.Sorted(maps.Keys(caps)) {
		p := e.ResolvePolicy(caps[jobType])
		policies[jobType] = p
		if !e.rates.Allowed(jobType, p.Rate, now) {
			continue
		}
		filters = append(filters, TypeFilter{
			JobType:       jobType,
			MaxFailed:     p.Retries,
			ExpiredBefore: now.Add(-p.Timeout),
		})
	}

	// a type throttled mid-page is dropped and the page fetched once more
	token := uuid.NewString()
	throttled := make(map[string]bool)
	for attempt := 0; attempt < 2; attempt++ {
		active := filters[:0:0]
		for _, f := range filters {
			if !throttled[f.JobType] {
				active = append(active, f)
			}
		}
		if len(active) == 0 {
			return nil, nil
		}

		candidates, err := e.store.FindCandidates(ctx, CandidateQuery{
			Now:   now,
			Types: active,
			Group: group,
			Limit: e.config.ClaimAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find candidates: %w", err)
		}

		job, newlyThrottled, err := e.claimFirst(ctx, candidates, policies, throttled, now, token)
		if err != nil || job != nil {
			return job, err
		}
		if !newlyThrottled {
			return nil, nil
		}
	}
	return nil, nil
}

// claimFirst claims the first candidate it can. Types whose rate
// reservation fails are added to throttled and their remaining candidates
// skipped.
func (e *Engine) claimFirst(ctx context.Context, candidates []Job, policies map[string]Policy, throttled map[string]bool, now time.Time, token string) (*Job, bool, error) {
	newlyThrottled := false
	for i := range candidates {
		candidate := &candidates[i]
		if throttled[candidate.JobType] {
			continue
		}
		p := policies[candidate.JobType]

		release, ok := e.rates.Reserve(candidate.JobType, p.Rate, now)
		if !ok {
			throttled[candidate.JobType] = true
			newlyThrottled = true
			continue
		}

		claim := Claim{
			ID:            candidate.ID,
			PrevFetched:   candidate.Fetched,
			PrevFailed:    candidate.Failed,
			PrevWorkerKey: candidate.WorkerKey,
			Fetched:       now,
			ExpiresAt:     now.Add(p.Timeout),
			WorkerKey:     token,
		}
		if candidate.Fetched != nil {
			claim.Restart = true
			claim.FailureMessage = RestartAfterTimeout
		}

		won, err := e.store.ClaimJob(ctx, claim)
		if err != nil {
			release()
			return nil, false, fmt.Errorf("failed to claim job %d: %w", candidate.ID, err)
		}
		if !won {
			release()
			e.logger.Debug("claim lost to another worker", "job_id", candidate.ID, "job_type", candidate.JobType)
			continue
		}
		e.rates.Record(candidate.JobType, now)

		if claim.Restart {
			e.logger.Info("restarting job after timeout",
				"job_id", candidate.ID,
				"job_type", candidate.JobType,
				"failed", candidate.Failed+1,
			)
		}

		claim.Apply(candidate)
		job := *candidate
		e.logger.Debug("job claimed", "job_id", job.ID, "job_type", job.JobType, "attempt", job.Failed+1)
		return &job, newlyThrottled, nil
	}
	return nil, newlyThrottled, nil
}

func (e *Engine) MarkJobDone(ctx context.Context, id int64) error {
	if err := ValidateJobID(id); err != nil {
		return err
	}
	ok, err := e.store.CompleteJob(ctx, id, e.now())
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	if !ok {
		return e.notInProgress(ctx, id)
	}
	return nil
}

func (e *Engine) MarkJobFailed(ctx context.Context, id int64, message string) error {
	if err := ValidateJobID(id); err != nil {
		return err
	}
	ok, err := e.store.FailJob(ctx, id, message)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	if !ok {
		return e.notInProgress(ctx, id)
	}
	e.logger.Debug("job failed", "job_id", id, "message", message)
	return nil
}

// notInProgress tells a missing job apart from one in the wrong state.
func (e *Engine) notInProgress(ctx context.Context, id int64) error {
	if _, err := e.store.GetJob(ctx, id); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return ErrJobNotInProgress
}

func (e *Engine) Length(ctx context.Context, jobType string) (int64, error) {
	n, err := e.store.CountPending(ctx, jobType)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (e *Engine) Progress(ctx context.Context, group string) ([]ProgressEntry, error) {
	if err := ValidateGroup(group); err != nil {
		return nil, err
	}
	jobs, err := e.store.ListGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list group %q: %w", group, err)
	}
	now := e.now()
	entries := make([]ProgressEntry, len(jobs))
	for i := range jobs {
		entries[i] = ProgressEntry{
			ID:             jobs[i].ID,
			Reference:      jobs[i].Reference,
			Status:         jobs[i].Status(now),
			Failed:         jobs[i].Failed,
			FailureMessage: jobs[i].FailureMessage,
		}
	}
	return entries, nil
}

// GetJob returns a single job record regardless of its state.
func (e *Engine) GetJob(ctx context.Context, id int64) (*Job, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	return e.store.GetJob(ctx, id)
}

// ClearRateHistory forgets every recorded dispatch time.
func (e *Engine) ClearRateHistory() {
	e.rates.Clear()
}

// CleanupCompletedJobs deletes jobs completed before olderThan.
func (e *Engine) CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := e.store.DeleteCompleted(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup completed jobs: %w", err)
	}
	return n, nil
}

// PurgeExhaustedJobs deletes jobs that used up their retry budget under caps.
func (e *Engine) PurgeExhaustedJobs(ctx context.Context, caps Capabilities) (int64, error) {
	if err := ValidateCapabilities(caps); err != nil {
		return 0, err
	}
	now := e.now()
	q := ExhaustedQuery{Types: make([]TypeFilter, 0, len(caps))}
	for _, jobType := range slices.Sorted(maps.Keys(caps)) {
		p := e.ResolvePolicy(caps[jobType])
		q.Types = append(q.Types, TypeFilter{
			JobType:       jobType,
			MaxFailed:     p.Retries,
			ExpiredBefore: now.Add(-p.Timeout),
		})
	}
	n, err := e.store.DeleteExhausted(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to purge exhausted jobs: %w", err)
	}
	return n, nil
}

// Sweep applies Config.CompletedRetention.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	if e.config.CompletedRetention <= 0 {
		return 0, nil
	}
	n, err := e.CleanupCompletedJobs(ctx, e.now().Add(-e.config.CompletedRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("swept completed jobs", "count", n, "retention", e.config.CompletedRetention)
	}
	return n, nil
}
