// Package worker runs registered handlers against a task queue. A Pool
// polls with a fixed number of goroutines, executes each claimed job under
// its policy timeout and reports the outcome back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mhpenta/taskqueue"
)

const (
	// defaultPollInterval is how often idle pollers ask for new jobs.
	defaultPollInterval = 2 * time.Second

	// defaultSweepInterval is how often retention is applied.
	defaultSweepInterval = 1 * time.Minute
)

var ErrNoHandlers = errors.New("worker: no handlers registered")

// Handler is the function executed for each claimed job. A nil return
// marks the job done; an error marks it failed with the error text.
type Handler func(ctx context.Context, job *taskqueue.Job) error

// Queue is the part of taskqueue.Queue the pool needs.
type Queue interface {
	RequestJob(ctx context.Context, caps taskqueue.Capabilities, group string) (*taskqueue.Job, error)
	MarkJobDone(ctx context.Context, id int64) error
	MarkJobFailed(ctx context.Context, id int64, message string) error
}

// PolicyResolver is implemented by queues that apply defaults to zero
// policy fields, such as *taskqueue.Engine.
type PolicyResolver interface {
	ResolvePolicy(p taskqueue.Policy) taskqueue.Policy
}

// Sweeper is implemented by queues with a retention policy.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type registration struct {
	handler Handler
	policy  taskqueue.Policy
}

// Option configures a Pool.
type Option func(*Pool)

// WithGroup restricts the pool to jobs of one group.
func WithGroup(group string) Option {
	return func(p *Pool) { p.group = group }
}

// WithConcurrency sets the number of polling goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how often idle pollers query the queue. Pollers
// share one limiter, so an idle pool issues about one query per interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithSweepInterval sets how often Sweep runs when the queue is a Sweeper.
// Zero or negative disables sweeping.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) { p.sweepInterval = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pool manages goroutines that claim and execute jobs.
type Pool struct {
	queue    Queue
	workerID string

	group         string
	concurrency   int
	pollInterval  time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu       sync.RWMutex
	handlers map[string]registration
}

// New creates a Pool over q. A random workerID identifies this process in logs.
func New(q Queue, opts ...Option) *Pool {
	p := &Pool{
		queue:         q,
		workerID:      uuid.New().String(),
		concurrency:   1,
		pollInterval:  defaultPollInterval,
		sweepInterval: defaultSweepInterval,
		logger:        slog.Default(),
		handlers:      make(map[string]registration),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the identifier generated for this pool.
func (p *Pool) WorkerID() string { return p.workerID }

// Register associates h and its policy with jobType. Must be called before Start.
// A zero Timeout is resolved the way the queue resolves it when claiming, so
// the handler deadline always matches the claim expiry.
func (p *Pool) Register(jobType string, h Handler, policy taskqueue.Policy) {
	if r, ok := p.queue.(PolicyResolver); ok {
		policy = r.ResolvePolicy(policy)
	}
	if policy.Timeout <= 0 {
		policy.Timeout = taskqueue.DefaultConfig().DefaultTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = registration{handler: h, policy: policy}
}

func (p *Pool) capabilities() taskqueue.Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	caps := make(taskqueue.Capabilities, len(p.handlers))
	for jobType, r := range p.handlers {
		caps[jobType] = r.policy
	}
	return caps
}

// Start runs the pollers, plus a retention sweeper when the queue supports
// it, until ctx is cancelled. In-flight jobs finish before Start returns.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.RLock()
	n := len(p.handlers)
	jobTypes := slices.Sorted(maps.Keys(p.handlers))
	p.mu.RUnlock()
	if n == 0 {
		return ErrNoHandlers
	}

	limiter := rate.NewLimiter(rate.Every(p.pollInterval), p.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.poll(gctx, limiter)
			return nil
		})
	}

	if s, ok := p.queue.(Sweeper); ok && p.sweepInterval > 0 {
		g.Go(func() error {
			p.sweep(gctx, s)
			return nil
		})
	}

	p.logger.Info("worker pool started",
		"worker_id", p.workerID,
		"concurrency", p.concurrency,
		"group", p.group,
		"job_types", jobTypes,
	)
	err := g.Wait()
	p.logger.Info("worker pool stopped", "worker_id", p.workerID)
	return err
}

// poll drains the queue, then waits for the shared limiter before asking again.
func (p *Pool) poll(ctx context.Context, limiter *rate.Limiter) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		for p.RunOnce(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job
// was executed.
func (p *Pool) RunOnce(ctx context.Context) bool {
	job, err := p.queue.RequestJob(ctx, p.capabilities(), p.group)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("request job error", "worker_id", p.workerID, "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	p.mu.RLock()
	r, ok := p.handlers[job.JobType]
	p.mu.RUnlock()

	// outcomes are reported even while shutting down
	reportCtx := context.WithoutCancel(ctx)

	if !ok {
		p.logger.Error("no handler registered for job type", "job_type", job.JobType, "job_id", job.ID)
		if err := p.queue.MarkJobFailed(reportCtx, job.ID, "no handler for job type "+job.JobType); err != nil {
			p.logger.Error("fail job error", "job_id", job.ID, "error", err)
		}
		return true
	}

	p.logger.Info("executing job",
		"job_type", job.JobType, "job_id", job.ID, "failed", job.Failed, "worker_id", p.workerID)

	runCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	if err := execute(runCtx, r.handler, job); err != nil {
		p.logger.Error("job handler failed", "job_type", job.JobType, "job_id", job.ID, "error", err)
		if failErr := p.queue.MarkJobFailed(reportCtx, job.ID, err.Error()); failErr != nil {
			p.logger.Error("fail job error", "job_id", job.ID, "error", failErr)
		}
		return true
	}

	if err := p.queue.MarkJobDone(reportCtx, job.ID); err != nil {
		p.logger.Error("complete job error", "job_id", job.ID, "error", err)
		return true
	}
	p.logger.Info("job completed", "job_type", job.JobType, "job_id", job.ID)
	return true
}

// execute turns a handler panic into an error.
func execute(ctx context.Context, h Handler, job *taskqueue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// sweep applies retention periodically. Uses time.NewTicker (not
// time.After) to avoid timer leaks.
func (p *Pool) sweep(ctx context.Context, s Sweeper) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				p.logger.Error("retention sweep error", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("retention sweep removed jobs", "count", n)
			}
		}
	}
}
