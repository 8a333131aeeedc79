package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/memstore"
)

type fakeQueue struct {
	lastJobType string
	lastData    []byte
	lastOptions taskqueue.CreateOptions
}

func (f *fakeQueue) CreateJob(ctx context.Context, jobType string, data []byte, opts ...taskqueue.CreateOption) (int64, error) {
	_ = ctx
	f.lastJobType = jobType
	f.lastData = data
	f.lastOptions = taskqueue.ResolveCreateOptions(opts)
	return 123, nil
}

func TestNextSlotRespectsMinGapPerKey(t *testing.T) {
	baseNow := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

	s, err := New(
		&fakeQueue{},
		NewMemorySlots(),
		WithClock(func() time.Time { return baseNow }),
		WithRandSource(rand.NewSource(1)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	p := Spacing{MinGap: 30 * time.Minute}
	first, err := s.NextSlot(context.Background(), "acct-1", time.Time{}, p)
	if err != nil {
		t.Fatalf("first NextSlot() error: %v", err)
	}
	second, err := s.NextSlot(context.Background(), "acct-1", time.Time{}, p)
	if err != nil {
		t.Fatalf("second NextSlot() error: %v", err)
	}

	if !first.Equal(baseNow) {
		t.Fatalf("first = %v, want %v", first, baseNow)
	}
	if want := baseNow.Add(30 * time.Minute); !second.Equal(want) {
		t.Fatalf("second = %v, want %v", second, want)
	}
}

func TestNextSlotIsIndependentAcrossKeys(t *testing.T) {
	now := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)
	s, err := New(
		&fakeQueue{},
		NewMemorySlots(),
		WithClock(func() time.Time { return now }),
		WithRandSource(rand.NewSource(2)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	p := Spacing{MinGap: time.Hour}
	a1, _ := s.NextSlot(context.Background(), "a", time.Time{}, p)
	a2, _ := s.NextSlot(context.Background(), "a", time.Time{}, p)
	b1, _ := s.NextSlot(context.Background(), "b", time.Time{}, p)

	if !a1.Equal(now) {
		t.Fatalf("a1 = %v, want %v", a1, now)
	}
	if !a2.Equal(now.Add(time.Hour)) {
		t.Fatalf("a2 = %v, want %v", a2, now.Add(time.Hour))
	}
	if !b1.Equal(now) {
		t.Fatalf("b1 = %v, want %v", b1, now)
	}
}

func TestNextSlotAlignsToWindow(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before window", time.Date(2026, 2, 22, 8, 15, 0, 0, loc), time.Date(2026, 2, 22, 10, 0, 0, 0, loc)},
		{"inside window", time.Date(2026, 2, 22, 12, 30, 0, 0, loc), time.Date(2026, 2, 22, 12, 30, 0, 0, loc)},
		{"after window", time.Date(2026, 2, 22, 17, 0, 0, 0, loc), time.Date(2026, 2, 23, 10, 0, 0, 0, loc)},
		{"at window end", time.Date(2026, 2, 22, 16, 0, 0, 0, loc), time.Date(2026, 2, 23, 10, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			s, err := New(&fakeQueue{}, NewMemorySlots(), WithClock(func() time.Time { return now }))
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			got, err := s.NextSlot(context.Background(), "k", time.Time{}, Spacing{
				Window: &DailyWindow{Start: 10 * time.Hour, End: 16 * time.Hour, Location: loc},
			})
			if err != nil {
				t.Fatalf("NextSlot() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextSlotJitterStaysInsideWindow(t *testing.T) {
	now := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

	s, err := New(
		&fakeQueue{},
		NewMemorySlots(),
		WithClock(func() time.Time { return now }),
		WithRandSource(rand.NewSource(5)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	p := Spacing{
		Window: &DailyWindow{
			Start:    10 * time.Hour,
			End:      10*time.Hour + 5*time.Minute,
			Location: time.UTC,
		},
		MaxJitter: 10 * time.Minute,
	}

	got, err := s.NextSlot(context.Background(), "k", time.Time{}, p)
	if err != nil {
		t.Fatalf("NextSlot() error: %v", err)
	}

	windowStart := time.Date(2026, 2, 22, 10, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2026, 2, 22, 10, 5, 0, 0, time.UTC)
	if got.Before(windowStart) || got.After(windowEnd) {
		t.Fatalf("jittered time %v outside [%v, %v]", got, windowStart, windowEnd)
	}
}

func TestNextSlotValidation(t *testing.T) {
	s, err := New(&fakeQueue{}, NewMemorySlots())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		key     string
		spacing Spacing
		want    error
	}{
		{" ", Spacing{}, ErrEmptyKey},
		{"k", Spacing{MinGap: -1}, ErrNegativeMinGap},
		{"k", Spacing{MaxJitter: -1}, ErrNegativeJitter},
		{"k", Spacing{Window: &DailyWindow{Start: 0, End: time.Hour}}, ErrNilLocation},
		{"k", Spacing{Window: &DailyWindow{Start: 2 * time.Hour, End: time.Hour, Location: time.UTC}}, ErrInvalidWindow},
	}
	for _, tt := range tests {
		if _, err := s.NextSlot(ctx, tt.key, time.Time{}, tt.spacing); !errors.Is(err, tt.want) {
			t.Errorf("NextSlot(%q, %+v) = %v, want %v", tt.key, tt.spacing, err, tt.want)
		}
	}

	if _, err := New(nil, NewMemorySlots()); !errors.Is(err, ErrNilQueue) {
		t.Errorf("New(nil queue) = %v, want ErrNilQueue", err)
	}
	if _, err := New(&fakeQueue{}, nil); !errors.Is(err, ErrNilSlots) {
		t.Errorf("New(nil slots) = %v, want ErrNilSlots", err)
	}
}

func TestScheduleUsesComputedSlot(t *testing.T) {
	now := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

	fq := &fakeQueue{}
	s, err := New(
		fq,
		NewMemorySlots(),
		WithClock(func() time.Time { return now }),
		WithRandSource(rand.NewSource(6)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	data, _ := json.Marshal(map[string]string{"x": "1"})
	id, slot, err := s.Schedule(context.Background(), Request{
		JobType:   "sync",
		Key:       "acct-42",
		Data:      data,
		Group:     "nightly",
		Reference: "acct-42 sync",
		Spacing: Spacing{
			Window: &DailyWindow{
				Start:    10 * time.Hour,
				End:      16 * time.Hour,
				Location: time.UTC,
			},
		},
	})
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	if id != 123 {
		t.Fatalf("id = %d, want %d", id, 123)
	}

	wantSlot := time.Date(2026, 2, 22, 10, 0, 0, 0, time.UTC)
	if !slot.Equal(wantSlot) {
		t.Fatalf("slot = %v, want %v", slot, wantSlot)
	}
	if fq.lastJobType != "sync" {
		t.Fatalf("jobType = %q, want %q", fq.lastJobType, "sync")
	}
	if fq.lastOptions.Group != "nightly" || fq.lastOptions.Reference != "acct-42 sync" {
		t.Fatalf("options = %+v", fq.lastOptions)
	}
	if !fq.lastOptions.NotBefore.Equal(wantSlot) {
		t.Fatalf("not-before option = %v, want %v", fq.lastOptions.NotBefore, wantSlot)
	}
}

func TestScheduleThroughEngine(t *testing.T) {
	now := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)
	engine := taskqueue.New(memstore.New(), taskqueue.DefaultConfig(),
		taskqueue.WithClock(func() time.Time { return now }),
	)
	s, err := New(engine, NewMemorySlots(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	spacing := Spacing{MinGap: time.Minute}
	for i := 0; i < 3; i++ {
		if _, _, err := s.Schedule(ctx, Request{JobType: "sync", Key: "acct", Spacing: spacing}); err != nil {
			t.Fatalf("Schedule #%d error: %v", i, err)
		}
	}

	caps := taskqueue.Capabilities{"sync": {}}
	job, err := engine.RequestJob(ctx, caps, "")
	if err != nil || job == nil {
		t.Fatalf("RequestJob = %v, %v; want the first slot", job, err)
	}
	if job, _ := engine.RequestJob(ctx, caps, ""); job != nil {
		t.Fatalf("second slot served early: %+v", job)
	}
}

func TestRedisSlotsSharedAcrossSchedulers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)
	spacing := Spacing{MinGap: time.Minute}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = make(map[int64]bool)
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := New(&fakeQueue{}, NewRedisSlots(client), WithClock(func() time.Time { return now }))
			if err != nil {
				t.Errorf("New() error: %v", err)
				return
			}
			slot, err := s.NextSlot(context.Background(), "acct", time.Time{}, spacing)
			if err != nil {
				t.Errorf("NextSlot() error: %v", err)
				return
			}
			mu.Lock()
			slots[slot.UnixMilli()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(slots) != 5 {
		t.Fatalf("got %d distinct slots, want 5: %v", len(slots), slots)
	}
	for i := 0; i < 5; i++ {
		if want := now.Add(time.Duration(i) * time.Minute); !slots[want.UnixMilli()] {
			t.Errorf("missing slot %v", want)
		}
	}
}

func TestRedisSlotsGivesUpAfterRepeatedConflicts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	slots := NewRedisSlots(client)
	now := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

	calls := 0
	_, err := slots.Reserve(ctx, "acct", func(time.Time, bool) (time.Time, error) {
		calls++
		// a competing writer touches the watched key every time
		if err := client.Set(ctx, slotKeyPrefix+"acct", now.UnixMilli(), 0).Err(); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		return now, nil
	})
	if !errors.Is(err, redis.TxFailedErr) {
		t.Fatalf("Reserve() error = %v, want %v", err, redis.TxFailedErr)
	}
	if calls != maxSlotRetries {
		t.Errorf("attempts = %d, want %d", calls, maxSlotRetries)
	}
}
