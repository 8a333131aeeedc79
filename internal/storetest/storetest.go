// Package storetest runs the queue behaviour suite against any
// taskqueue.Store implementation. Backend packages call Run from their own
// tests with a constructor returning an empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhpenta/taskqueue"
)

// NewStore returns an empty store; cleanup is registered on t.
type NewStore func(t *testing.T) taskqueue.Store

// Clock is a manually advanced clock shared by the engine under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var start = time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

// NewEngine builds an engine over a fresh store with a frozen clock.
func NewEngine(t *testing.T, newStore NewStore) (*taskqueue.Engine, *Clock) {
	t.Helper()
	clock := NewClock(start)
	e := taskqueue.New(newStore(t), taskqueue.DefaultConfig(), taskqueue.WithClock(clock.Now))
	return e, clock
}

var (
	task1 = taskqueue.Capabilities{
		"task1": {Timeout: 100 * time.Second, Retries: 2},
	}
	task1AndDummy = taskqueue.Capabilities{
		"task1":     {Timeout: 100 * time.Second, Retries: 2},
		"dummytask": {Timeout: 100 * time.Second, Retries: 2},
	}
)

// Run executes the full suite.
func Run(t *testing.T, newStore NewStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore NewStore)
	}{
		{"CreateAndCount", testCreateAndCount},
		{"CreateValidation", testCreateValidation},
		{"CreateAndFetch", testCreateAndFetch},
		{"DataRoundTrip", testDataRoundTrip},
		{"Sequence", testSequence},
		{"NotBefore", testNotBefore},
		{"NotBeforeOrder", testNotBeforeOrder},
		{"FutureJobInvisible", testFutureJobInvisible},
		{"RateLimit", testRateLimit},
		{"RequeueAfterTimeout", testRequeueAfterTimeout},
		{"RequestGroup", testRequestGroup},
		{"ProgressExpiredClaims", testProgressExpiredClaims},
		{"MarkJobDoneErrors", testMarkJobDoneErrors},
		{"MarkJobFailed", testMarkJobFailed},
		{"RetriesExhausted", testRetriesExhausted},
		{"CapabilityFilter", testCapabilityFilter},
		{"StaleClaimLoses", testStaleClaimLoses},
		{"ConcurrentClaims", testConcurrentClaims},
		{"CleanupCompleted", testCleanupCompleted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore)
		})
	}
}

func mustCreate(t *testing.T, e *taskqueue.Engine, jobType, data string, opts ...taskqueue.CreateOption) int64 {
	t.Helper()
	var body []byte
	if data != "" {
		body = []byte(data)
	}
	id, err := e.CreateJob(context.Background(), jobType, body, opts...)
	require.NoError(t, err)
	require.Positive(t, id)
	return id
}

func mustRequest(t *testing.T, e *taskqueue.Engine, caps taskqueue.Capabilities, group string) *taskqueue.Job {
	t.Helper()
	job, err := e.RequestJob(context.Background(), caps, group)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a job")
	return job
}

func requireNone(t *testing.T, e *taskqueue.Engine, caps taskqueue.Capabilities, group string) {
	t.Helper()
	job, err := e.RequestJob(context.Background(), caps, group)
	require.NoError(t, err)
	require.Nil(t, job, "expected no job")
}

func requireLength(t *testing.T, e *taskqueue.Engine, jobType string, want int64) {
	t.Helper()
	n, err := e.Length(context.Background(), jobType)
	require.NoError(t, err)
	require.Equal(t, want, n, "Length(%q)", jobType)
}

func testCreateAndCount(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)

	requireLength(t, e, "", 0)
	mustCreate(t, e, "test1", "data1")
	requireLength(t, e, "", 1)

	mustCreate(t, e, "test2", "data2")
	mustCreate(t, e, "test2", "data3")
	mustCreate(t, e, "test3", "data4")

	requireLength(t, e, "", 4)
	requireLength(t, e, "test1", 1)
	requireLength(t, e, "test2", 2)
	requireLength(t, e, "test3", 1)
	requireLength(t, e, "unknown", 0)
}

func testCreateValidation(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)
	ctx := context.Background()

	_, err := e.CreateJob(ctx, "", []byte("x"))
	require.ErrorIs(t, err, taskqueue.ErrEmptyJobType)
	_, err = e.CreateJob(ctx, "   ", nil)
	require.ErrorIs(t, err, taskqueue.ErrEmptyJobType)
	_, err = e.CreateJob(ctx, "task1", nil, taskqueue.WithNotBeforeExpr("whenever"))
	require.ErrorIs(t, err, taskqueue.ErrInvalidNotBefore)

	requireLength(t, e, "", 0)
}

func testCreateAndFetch(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)
	ctx := context.Background()

	requireNone(t, e, task1, "")
	id := mustCreate(t, e, "task1", "payload")

	job := mustRequest(t, e, task1, "")
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "task1", job.JobType)
	assert.Equal(t, 0, job.Failed)
	assert.Nil(t, job.Completed)
	assert.NotNil(t, job.Fetched)
	assert.NotEmpty(t, job.WorkerKey)
	assert.Equal(t, []byte("payload"), job.Data)

	// a fetched job is not handed out again while its claim is live
	requireNone(t, e, task1, "")
	requireLength(t, e, "", 1)

	require.NoError(t, e.MarkJobDone(ctx, id))
	requireLength(t, e, "", 0)

	stored, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Completed)
	assert.Equal(t, taskqueue.StatusCompleted, stored.Status(clock.Now()))
}

func testDataRoundTrip(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)

	mustCreate(t, e, "task1", "")
	job := mustRequest(t, e, task1, "")
	assert.Empty(t, job.Data)

	raw := []byte{0x00, 0xff, 0x10, '{', '}'}
	_, err := e.CreateJob(context.Background(), "task1", raw)
	require.NoError(t, err)
	job = mustRequest(t, e, task1, "")
	assert.Equal(t, raw, job.Data)
}

func testSequence(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)
	ctx := context.Background()

	ids := make([]int64, 10)
	for i := range ids {
		ids[i] = mustCreate(t, e, "task1", fmt.Sprint(i))
	}
	requireLength(t, e, "", 10)

	for i := 0; i < 5; i++ {
		job := mustRequest(t, e, task1, "")
		assert.Equal(t, fmt.Sprint(i), string(job.Data))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.MarkJobDone(ctx, ids[i]))
		requireLength(t, e, "", int64(9-i))
	}
	for i := 5; i < 10; i++ {
		job := mustRequest(t, e, task1, "")
		assert.Equal(t, fmt.Sprint(i), string(job.Data))
		require.NoError(t, e.MarkJobDone(ctx, job.ID))
		requireLength(t, e, "", int64(9-i))
	}
}

func testNotBefore(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)
	ctx := context.Background()
	now := clock.Now()

	a := mustCreate(t, e, "task1", "", taskqueue.WithNotBeforeExpr("+ 1 Min"))
	b := mustCreate(t, e, "task1", "", taskqueue.WithNotBeforeExpr("+ 1 Day"))
	c := mustCreate(t, e, "task1", "", taskqueue.WithNotBeforeExpr("2009-07-01 12:00:00"))
	d := mustCreate(t, e, "task1", "", taskqueue.WithNotBefore(now.Add(time.Hour)))

	want := map[int64]time.Time{
		a: now.Add(time.Minute),
		b: now.AddDate(0, 0, 1),
		c: time.Date(2009, 7, 1, 12, 0, 0, 0, time.UTC),
		d: now.Add(time.Hour),
	}
	for id, at := range want {
		job, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		assert.WithinDuration(t, at, job.NotBefore, time.Second, "job %d", id)
		assert.True(t, job.CreatedAt.Equal(now), "job %d created at %v", id, job.CreatedAt)
	}

	plain := mustCreate(t, e, "task1", "")
	job, err := e.GetJob(ctx, plain)
	require.NoError(t, err)
	assert.True(t, job.NotBefore.Equal(job.CreatedAt), "default not-before must equal creation time")
}

func testNotBeforeOrder(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)

	mustCreate(t, e, "dummytask", "")
	mustCreate(t, e, "dummytask", "")
	mustCreate(t, e, "task1", "three", taskqueue.WithNotBeforeExpr("- 3 Seconds"))
	mustCreate(t, e, "task1", "two", taskqueue.WithNotBeforeExpr("- 5 Seconds"))
	mustCreate(t, e, "task1", "one", taskqueue.WithNotBeforeExpr("- 7 Seconds"))

	expected := []struct{ jobType, data string }{
		{"task1", "one"},
		{"task1", "two"},
		{"task1", "three"},
		{"dummytask", ""},
		{"dummytask", ""},
	}
	for i, want := range expected {
		e.ClearRateHistory()
		job := mustRequest(t, e, task1AndDummy, "")
		assert.Equal(t, want.jobType, job.JobType, "claim %d", i)
		assert.Equal(t, want.data, string(job.Data), "claim %d", i)
	}
}

func testFutureJobInvisible(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)

	mustCreate(t, e, "task1", "later", taskqueue.WithNotBeforeExpr("+2 seconds"))
	requireNone(t, e, task1, "")

	clock.Advance(1999 * time.Millisecond)
	requireNone(t, e, task1, "")

	clock.Advance(time.Millisecond)
	job := mustRequest(t, e, task1, "")
	assert.Equal(t, "later", string(job.Data))
}

func testRateLimit(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)
	caps := taskqueue.Capabilities{
		"task1":     {Timeout: 100 * time.Second, Retries: 2, Rate: time.Second},
		"dummytask": {Timeout: 100 * time.Second, Retries: 2},
	}
	e.ClearRateHistory()

	mustCreate(t, e, "task1", "1")
	mustCreate(t, e, "task1", "2")
	mustCreate(t, e, "task1", "3")
	for i := 0; i < 4; i++ {
		mustCreate(t, e, "dummytask", "")
	}

	expect := func(jobType, data string) {
		t.Helper()
		job := mustRequest(t, e, caps, "")
		require.Equal(t, jobType, job.JobType)
		require.Equal(t, data, string(job.Data))
	}

	expect("task1", "1")
	expect("dummytask", "")
	expect("dummytask", "")

	clock.Advance(time.Second)
	expect("task1", "2")
	expect("dummytask", "")

	clock.Advance(time.Second)
	expect("task1", "3")
	expect("dummytask", "")

	requireNone(t, e, caps, "")

	mustCreate(t, e, "task1", "4")
	requireNone(t, e, caps, "")
	e.ClearRateHistory()
	expect("task1", "4")
}

func testRequeueAfterTimeout(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)
	caps := taskqueue.Capabilities{
		"task1": {Timeout: time.Second, Retries: 2},
	}

	id := mustCreate(t, e, "task1", "1")
	first := mustRequest(t, e, caps, "")
	assert.Equal(t, id, first.ID)
	assert.Equal(t, 0, first.Failed)

	clock.Advance(500 * time.Millisecond)
	requireNone(t, e, caps, "")

	clock.Advance(1500 * time.Millisecond)
	second := mustRequest(t, e, caps, "")
	assert.Equal(t, id, second.ID)
	assert.Equal(t, "1", string(second.Data))
	assert.Equal(t, 1, second.Failed)
	assert.Equal(t, taskqueue.RestartAfterTimeout, second.FailureMessage)
	assert.NotEqual(t, first.WorkerKey, second.WorkerKey)

	// the first worker's claim is gone; only the new holder can finish
	stored, err := e.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Failed)
	assert.Equal(t, second.WorkerKey, stored.WorkerKey)
}

func testRequestGroup(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)
	ctx := context.Background()
	caps := taskqueue.Capabilities{
		"task1": {Timeout: time.Second, Retries: 2},
	}

	mustCreate(t, e, "task1", "1")
	mustCreate(t, e, "task1", "2", taskqueue.WithGroup("testgroup"))

	// without a group filter the group field is ignored
	job := mustRequest(t, e, caps, "")
	assert.Equal(t, "1", string(job.Data))
	job = mustRequest(t, e, caps, "")
	assert.Equal(t, "2", string(job.Data))

	mustCreate(t, e, "task1", "3")
	mustCreate(t, e, "task1", "4", taskqueue.WithGroup("testgroup"), taskqueue.WithReference("Job number 4"))
	mustCreate(t, e, "task1", "5", taskqueue.WithReference("Job number 5"))
	mustCreate(t, e, "task1", "6", taskqueue.WithGroup("testgroup"), taskqueue.WithReference("Job number 6"))

	job = mustRequest(t, e, caps, "testgroup")
	assert.Equal(t, "4", string(job.Data))
	assert.Equal(t, "testgroup", job.Group)
	job = mustRequest(t, e, caps, "testgroup")
	assert.Equal(t, "6", string(job.Data))
	requireNone(t, e, caps, "testgroup")
	requireNone(t, e, caps, "othergroup")

	progress, err := e.Progress(ctx, "testgroup")
	require.NoError(t, err)
	require.Len(t, progress, 3)
	assert.Equal(t, "", progress[0].Reference)
	assert.Equal(t, taskqueue.StatusInProgress, progress[0].Status)
	assert.Equal(t, "Job number 4", progress[1].Reference)
	assert.Equal(t, taskqueue.StatusInProgress, progress[1].Status)
	assert.Equal(t, "Job number 6", progress[2].Reference)
	assert.Equal(t, taskqueue.StatusInProgress, progress[2].Status)
	assert.Less(t, progress[0].ID, progress[1].ID)
	assert.Less(t, progress[1].ID, progress[2].ID)

	require.NoError(t, e.MarkJobDone(ctx, progress[1].ID))
	progress, err = e.Progress(ctx, "testgroup")
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusCompleted, progress[1].Status)

	_, err = e.Progress(ctx, "")
	require.ErrorIs(t, err, taskqueue.ErrEmptyGroup)

	empty, err := e.Progress(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testProgressExpiredClaims(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)
	ctx := context.Background()
	caps := taskqueue.Capabilities{
		"task1": {Timeout: time.Second, Retries: 1},
	}

	id := mustCreate(t, e, "task1", "1", taskqueue.WithGroup("expiry"))
	status := func() taskqueue.Status {
		t.Helper()
		progress, err := e.Progress(ctx, "expiry")
		require.NoError(t, err)
		require.Len(t, progress, 1)
		return progress[0].Status
	}

	job := mustRequest(t, e, caps, "")
	require.NotNil(t, job.ExpiresAt)
	assert.True(t, job.ExpiresAt.Equal(clock.Now().Add(time.Second)))
	assert.Equal(t, taskqueue.StatusInProgress, status())

	// an expired claim is no longer in progress
	clock.Advance(time.Hour)
	assert.Equal(t, taskqueue.StatusPending, status())

	job = mustRequest(t, e, caps, "")
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, taskqueue.StatusInProgress, status())

	// the restart used the only retry, so the next expiry is terminal
	clock.Advance(time.Hour)
	requireNone(t, e, caps, "")
	assert.Equal(t, taskqueue.StatusFailed, status())

	stored, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Failed)
	assert.Equal(t, taskqueue.RestartAfterTimeout, stored.FailureMessage)
}

func testMarkJobDoneErrors(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)
	ctx := context.Background()

	require.ErrorIs(t, e.MarkJobDone(ctx, 0), taskqueue.ErrInvalidJobID)
	require.ErrorIs(t, e.MarkJobDone(ctx, 999), taskqueue.ErrJobNotFound)

	id := mustCreate(t, e, "task1", "x")
	require.ErrorIs(t, e.MarkJobDone(ctx, id), taskqueue.ErrJobNotInProgress)

	before, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, before.Completed)
	assert.Nil(t, before.Fetched)

	mustRequest(t, e, task1, "")
	require.NoError(t, e.MarkJobDone(ctx, id))
	done, err := e.GetJob(ctx, id)
	require.NoError(t, err)

	// completing twice fails and leaves the completion time alone
	require.ErrorIs(t, e.MarkJobDone(ctx, id), taskqueue.ErrJobNotInProgress)
	again, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, again.Completed)
	assert.True(t, done.Completed.Equal(*again.Completed))
}

func testMarkJobFailed(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)
	ctx := context.Background()

	id := mustCreate(t, e, "task1", "x", taskqueue.WithGroup("batch"), taskqueue.WithReference("r1"))
	require.ErrorIs(t, e.MarkJobFailed(ctx, id, "boom"), taskqueue.ErrJobNotInProgress)
	require.ErrorIs(t, e.MarkJobFailed(ctx, 12345, "boom"), taskqueue.ErrJobNotFound)

	mustRequest(t, e, task1, "")
	require.NoError(t, e.MarkJobFailed(ctx, id, "boom"))

	progress, err := e.Progress(ctx, "batch")
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, taskqueue.StatusFailed, progress[0].Status)
	assert.Equal(t, 1, progress[0].Failed)
	assert.Equal(t, "boom", progress[0].FailureMessage)

	released, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, released.Fetched)
	assert.Nil(t, released.ExpiresAt)

	// released immediately for another attempt
	job := mustRequest(t, e, task1, "")
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, "boom", job.FailureMessage)
	requireLength(t, e, "", 1)
}

func testRetriesExhausted(t *testing.T, newStore NewStore) {
	e, clock := NewEngine(t, newStore)
	ctx := context.Background()
	caps := taskqueue.Capabilities{
		"task1": {Timeout: time.Second, Retries: 2},
	}

	id := mustCreate(t, e, "task1", "x", taskqueue.WithGroup("g"))

	mustRequest(t, e, caps, "")
	require.NoError(t, e.MarkJobFailed(ctx, id, "first"))

	job := mustRequest(t, e, caps, "")
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, "first", job.FailureMessage)

	// the second attempt times out and is restarted as the last allowed one
	clock.Advance(2 * time.Second)
	job = mustRequest(t, e, caps, "")
	assert.Equal(t, 2, job.Failed)
	assert.Equal(t, taskqueue.RestartAfterTimeout, job.FailureMessage)

	clock.Advance(2 * time.Second)
	requireNone(t, e, caps, "")

	stored, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Failed, "an exhausted expiry is not restarted")

	// terminal state is still counted and reported
	requireLength(t, e, "task1", 1)
	progress, err := e.Progress(ctx, "g")
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, taskqueue.StatusInProgress, progress[0].Status)

	// a more generous policy can still claim it
	generous := taskqueue.Capabilities{"task1": {Timeout: time.Second, Retries: 5}}
	job = mustRequest(t, e, generous, "")
	assert.Equal(t, 3, job.Failed)
	require.NoError(t, e.MarkJobFailed(ctx, id, "fourth"))

	n, err := e.PurgeExhaustedJobs(ctx, caps)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	requireLength(t, e, "", 0)
	_, err = e.GetJob(ctx, id)
	require.ErrorIs(t, err, taskqueue.ErrJobNotFound)
}

func testCapabilityFilter(t *testing.T, newStore NewStore) {
	e, _ := NewEngine(t, newStore)
	ctx := context.Background()

	mustCreate(t, e, "other", "o")
	requireNone(t, e, task1, "")

	mustCreate(t, e, "task1", "t")
	job := mustRequest(t, e, task1, "")
	assert.Equal(t, "task1", job.JobType)

	_, err := e.RequestJob(ctx, nil, "")
	require.ErrorIs(t, err, taskqueue.ErrNoCapabilities)
	_, err = e.RequestJob(ctx, taskqueue.Capabilities{"task1": {Retries: -1}}, "")
	require.ErrorIs(t, err, taskqueue.ErrInvalidPolicy)
}

func testStaleClaimLoses(t *testing.T, newStore NewStore) {
	store := newStore(t)
	clock := NewClock(start)
	e := taskqueue.New(store, taskqueue.DefaultConfig(), taskqueue.WithClock(clock.Now))
	ctx := context.Background()

	id := mustCreate(t, e, "task1", "x")
	candidates, err := store.FindCandidates(ctx, taskqueue.CandidateQuery{
		Now:   clock.Now(),
		Types: []taskqueue.TypeFilter{{JobType: "task1", MaxFailed: 2, ExpiredBefore: clock.Now().Add(-time.Minute)}},
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	snapshot := candidates[0]

	// another worker claims first
	winner := mustRequest(t, e, task1, "")
	require.Equal(t, id, winner.ID)

	won, err := store.ClaimJob(ctx, taskqueue.Claim{
		ID:            snapshot.ID,
		PrevFetched:   snapshot.Fetched,
		PrevFailed:    snapshot.Failed,
		PrevWorkerKey: snapshot.WorkerKey,
		Fetched:       clock.Now(),
		WorkerKey:     "loser",
	})
	require.NoError(t, err)
	assert.False(t, won, "a claim based on a stale snapshot must not succeed")

	stored, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winner.WorkerKey, stored.WorkerKey)
}

func testConcurrentClaims(t *testing.T, newStore NewStore) {
	store := newStore(t)
	e := taskqueue.New(store, taskqueue.DefaultConfig())
	ctx := context.Background()

	const jobs = 30
	for i := 0; i < jobs; i++ {
		_, err := e.CreateJob(ctx, "task1", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	const workers = 8
	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// every worker runs its own engine, like separate processes
			engine := taskqueue.New(store, taskqueue.DefaultConfig())
			misses := 0
			for misses < 3 {
				job, err := engine.RequestJob(ctx, task1, "")
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					misses++
					continue
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// workers may give up after losing several races in a row
	for {
		job, err := e.RequestJob(ctx, task1, "")
		require.NoError(t, err)
		if job == nil {
			break
		}
		claimed[job.ID]++
	}

	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %d handed out %d times", id, n)
	}
	assert.Len(t, claimed, jobs)
}

func testCleanupCompleted(t *testing.T, newStore NewStore) {
	store := newStore(t)
	clock := NewClock(start)
	cfg := taskqueue.DefaultConfig()
	cfg.CompletedRetention = time.Hour
	e := taskqueue.New(store, cfg, taskqueue.WithClock(clock.Now))
	ctx := context.Background()

	old := mustCreate(t, e, "task1", "old", taskqueue.WithGroup("g"))
	mustRequest(t, e, task1, "")
	require.NoError(t, e.MarkJobDone(ctx, old))

	clock.Advance(2 * time.Hour)
	recent := mustCreate(t, e, "task1", "recent", taskqueue.WithGroup("g"))
	mustRequest(t, e, task1, "")
	require.NoError(t, e.MarkJobDone(ctx, recent))
	pending := mustCreate(t, e, "task1", "pending", taskqueue.WithGroup("g"))

	n, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.GetJob(ctx, old)
	require.True(t, errors.Is(err, taskqueue.ErrJobNotFound), "old completed job should be swept, got %v", err)

	progress, err := e.Progress(ctx, "g")
	require.NoError(t, err)
	require.Len(t, progress, 2)
	assert.Equal(t, recent, progress[0].ID)
	assert.Equal(t, pending, progress[1].ID)

	n, err = e.CleanupCompletedJobs(ctx, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	requireLength(t, e, "", 1)
}
