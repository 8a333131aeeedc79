// Package scheduler spaces jobs that share a key. Each Schedule call
// reserves the next free slot for the key, honouring a minimum gap, an
// optional daily window and random jitter, and creates the job with that
// slot as its not-before time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mhpenta/taskqueue"
)

var (
	ErrNilQueue        = errors.New("scheduler: queue must not be nil")
	ErrNilSlots        = errors.New("scheduler: slot store must not be nil")
	ErrEmptyKey        = errors.New("scheduler: key must not be empty")
	ErrNegativeMinGap  = errors.New("scheduler: min gap must be >= 0")
	ErrNegativeJitter  = errors.New("scheduler: max jitter must be >= 0")
	ErrNilLocation     = errors.New("scheduler: window location must not be nil")
	ErrInvalidWindow   = errors.New("scheduler: window start/end must satisfy 0 <= start < end <= 24h")
	ErrZeroScheduledAt = errors.New("scheduler: scheduled time must not be zero")
)

// DailyWindow constrains scheduling to a local time range each day.
// Start is inclusive and End is exclusive.
type DailyWindow struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

func (w DailyWindow) validate() error {
	if w.Location == nil {
		return ErrNilLocation
	}
	if w.Start < 0 || w.End <= 0 || w.Start >= w.End || w.End > 24*time.Hour {
		return ErrInvalidWindow
	}
	return nil
}

// bounds returns the window on the local day of t.
func (w DailyWindow) bounds(t time.Time) (start, end time.Time) {
	local := t.In(w.Location)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, w.Location)
	return midnight.Add(w.Start), midnight.Add(w.End)
}

// align moves t to the earliest instant inside the window.
func (w DailyWindow) align(t time.Time) time.Time {
	start, end := w.bounds(t)
	switch {
	case t.Before(start):
		return start
	case !t.Before(end):
		return start.AddDate(0, 0, 1)
	default:
		return t.In(w.Location)
	}
}

// Spacing defines how jobs sharing a key are spread over time.
type Spacing struct {
	// MinGap is the minimum distance between two slots of the same key.
	MinGap time.Duration

	// Window restricts every slot to a daily time range when non-nil.
	Window *DailyWindow

	// MaxJitter adds a random delay between 0 and MaxJitter, clipped to
	// the end of the window.
	MaxJitter time.Duration
}

func (p Spacing) validate() error {
	if p.MinGap < 0 {
		return ErrNegativeMinGap
	}
	if p.MaxJitter < 0 {
		return ErrNegativeJitter
	}
	if p.Window != nil {
		return p.Window.validate()
	}
	return nil
}

// SlotStore remembers the last reserved slot per key.
// Reserve must be atomic per key across concurrent callers.
type SlotStore interface {
	Reserve(ctx context.Context, key string, fn func(previous time.Time, exists bool) (next time.Time, err error)) (time.Time, error)
}

// JobCreator is the part of taskqueue.Queue the scheduler needs.
type JobCreator interface {
	CreateJob(ctx context.Context, jobType string, data []byte, opts ...taskqueue.CreateOption) (int64, error)
}

// Request describes one spaced job.
type Request struct {
	JobType string
	Key     string
	Data    []byte

	Group     string
	Reference string

	// NotBefore is an optional base time. Zero means now.
	NotBefore time.Time

	Spacing Spacing
}

// Scheduler reserves slots and creates jobs at them.
type Scheduler struct {
	queue JobCreator
	slots SlotStore
	clock func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for zero-value NotBefore requests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRandSource overrides jitter randomness.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) {
		if src != nil {
			s.rng = rand.New(src)
		}
	}
}

func New(queue JobCreator, slots SlotStore, opts ...Option) (*Scheduler, error) {
	if queue == nil {
		return nil, ErrNilQueue
	}
	if slots == nil {
		return nil, ErrNilSlots
	}

	s := &Scheduler{
		queue: queue,
		slots: slots,
		clock: time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NextSlot computes and reserves the next slot for key. Slots have
// millisecond resolution, like the queue's not-before times.
func (s *Scheduler) NextSlot(ctx context.Context, key string, notBefore time.Time, spacing Spacing) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, ErrEmptyKey
	}
	if err := spacing.validate(); err != nil {
		return time.Time{}, err
	}
	if notBefore.IsZero() {
		notBefore = s.clock()
	}

	return s.slots.Reserve(ctx, key, func(previous time.Time, exists bool) (time.Time, error) {
		base := notBefore
		if exists && spacing.MinGap > 0 {
			if gap := previous.Add(spacing.MinGap); gap.After(base) {
				base = gap
			}
		}

		slot := base
		if spacing.Window != nil {
			slot = spacing.Window.align(base)
		}
		slot = slot.Add(s.jitter(spacing, slot)).Truncate(time.Millisecond)
		if slot.IsZero() {
			return time.Time{}, ErrZeroScheduledAt
		}
		return slot, nil
	})
}

// Schedule reserves a slot for r.Key and creates the job at it.
func (s *Scheduler) Schedule(ctx context.Context, r Request) (id int64, slot time.Time, err error) {
	if err := taskqueue.ValidateJobType(r.JobType); err != nil {
		return 0, time.Time{}, err
	}

	slot, err = s.NextSlot(ctx, r.Key, r.NotBefore, r.Spacing)
	if err != nil {
		return 0, time.Time{}, err
	}

	opts := []taskqueue.CreateOption{taskqueue.WithNotBefore(slot)}
	if r.Group != "" {
		opts = append(opts, taskqueue.WithGroup(r.Group))
	}
	if r.Reference != "" {
		opts = append(opts, taskqueue.WithReference(r.Reference))
	}

	id, err = s.queue.CreateJob(ctx, r.JobType, r.Data, opts...)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("scheduler: create job failed: %w", err)
	}
	return id, slot, nil
}

func (s *Scheduler) jitter(spacing Spacing, slot time.Time) time.Duration {
	limit := spacing.MaxJitter
	if spacing.Window != nil {
		_, end := spacing.Window.bounds(slot)
		if remaining := end.Sub(slot); remaining < limit {
			limit = remaining
		}
	}
	if limit <= 0 {
		return 0
	}

	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return time.Duration(s.rng.Int63n(int64(limit) + 1))
}
