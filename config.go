package taskqueue

import (
	"log/slog"
	"time"
)

// Config holds queue configuration.
type Config struct {
	// ClaimAttempts bounds how many candidates a single RequestJob call
	// tries to claim before reporting that no job is available.
	ClaimAttempts int

	// DefaultTimeout applies to capabilities that leave Policy.Timeout zero.
	DefaultTimeout time.Duration

	// DefaultRetries applies to capabilities that leave Policy.Retries zero.
	DefaultRetries int

	// CompletedRetention is how long completed jobs are kept before Sweep
	// deletes them. Zero keeps them forever.
	CompletedRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClaimAttempts:  10,
		DefaultTimeout: 5 * time.Minute,
		DefaultRetries: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClaimAttempts <= 0 {
		c.ClaimAttempts = d.ClaimAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultRetries <= 0 {
		c.DefaultRetries = d.DefaultRetries
	}
	return c
}

// Policy is how a worker executes one job type.
type Policy struct {
	// Timeout is how long a claim is held before another worker may
	// restart the job.
	Timeout time.Duration

	// Retries is the number of failed attempts after which the job is
	// no longer claimed.
	Retries int

	// Rate is the minimum spacing between two dispatches of the job type.
	// Zero means unlimited.
	Rate time.Duration
}

// Capabilities maps each job type a worker can execute to its policy.
type Capabilities map[string]Policy

// CreateOptions configures how a job is created.
type CreateOptions struct {
	// NotBefore is an absolute earliest claim time. Zero means now.
	NotBefore time.Time

	// Delay is relative to the creation time and used when NotBefore is zero.
	Delay time.Duration

	// NotBeforeExpr is a time expression such as "+ 1 Day" or
	// "2009-07-01 12:00:00", resolved against the creation time.
	// It takes precedence over NotBefore.
	NotBeforeExpr string

	Group     string
	Reference string
}

// CreateOption is a functional option for CreateJob.
type CreateOption func(*CreateOptions)

// WithNotBefore makes the job claimable no earlier than t.
func WithNotBefore(t time.Time) CreateOption {
	return func(o *CreateOptions) {
		o.NotBefore = t
	}
}

// WithDelay delays the job by the given duration from now.
// Negative durations schedule it in the past, ahead of undelayed jobs.
func WithDelay(d time.Duration) CreateOption {
	return func(o *CreateOptions) {
		o.Delay = d
	}
}

// WithNotBeforeExpr schedules the job with a time expression, see package timeexpr.
func WithNotBeforeExpr(expr string) CreateOption {
	return func(o *CreateOptions) {
		o.NotBeforeExpr = expr
	}
}

// WithGroup tags the job with a group.
func WithGroup(group string) CreateOption {
	return func(o *CreateOptions) {
		o.Group = group
	}
}

// WithReference attaches a free-text label shown in progress reports.
func WithReference(reference string) CreateOption {
	return func(o *CreateOptions) {
		o.Reference = reference
	}
}

func applyCreateOptions(opts []CreateOption) CreateOptions {
	var options CreateOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRateTracker shares a rate tracker between engines in one process.
func WithRateTracker(rt *RateTracker) Option {
	return func(e *Engine) {
		if rt != nil {
			e.rates = rt
		}
	}
}
