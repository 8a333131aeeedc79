// Package redisstore implements taskqueue.Store on Redis. Each job is a
// Hash; Sorted Sets index uncompleted jobs by not-before time, per type and
// per group. Conditional updates run as WATCH/MULTI transactions on the
// job Hash, so a claim commits only if the Hash is untouched since it was
// read.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mhpenta/taskqueue"
)

var _ taskqueue.Store = (*Store)(nil)

// maxTxRetries bounds how often a transaction is retried after a
// concurrent write to the watched Hash.
const maxTxRetries = 16

const scanBatch = 100

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) InsertJob(ctx context.Context, j *taskqueue.Job) (int64, error) {
	id, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/redis: insert job: next id: %w", err)
	}

	stored := *j
	stored.ID = id
	m := member(id)
	score := float64(stored.NotBefore.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(m), jobToMap(&stored))
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: m})
	pipe.ZAdd(ctx, typeKey(stored.JobType), redis.Z{Score: score, Member: m})
	if stored.Group != "" {
		pipe.ZAdd(ctx, groupKey(stored.Group), redis.Z{Score: float64(id), Member: m})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("taskqueue/redis: insert job: %w", err)
	}
	return id, nil
}

func (s *Store) FindCandidates(ctx context.Context, q taskqueue.CandidateQuery) ([]taskqueue.Job, error) {
	maxScore := strconv.FormatInt(q.Now.UnixMilli(), 10)

	var out []taskqueue.Job
	for _, f := range q.Types {
		single := q
		single.Types = []taskqueue.TypeFilter{f}

		found := 0
		for offset := int64(0); ; offset += scanBatch {
			members, err := s.client.ZRangeByScore(ctx, typeKey(f.JobType), &redis.ZRangeBy{
				Min:    "-inf",
				Max:    maxScore,
				Offset: offset,
				Count:  scanBatch,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("taskqueue/redis: find candidates: %w", err)
			}

			jobs, err := s.getJobs(ctx, members)
			if err != nil {
				return nil, err
			}
			for i := range jobs {
				if single.Matches(&jobs[i]) {
					out = append(out, jobs[i])
					found++
				}
			}
			if len(members) < scanBatch || (q.Limit > 0 && found >= q.Limit) {
				break
			}
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].NotBefore.Equal(out[b].NotBefore) {
			return out[a].NotBefore.Before(out[b].NotBefore)
		}
		return out[a].ID < out[b].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) ClaimJob(ctx context.Context, c taskqueue.Claim) (bool, error) {
	key := jobKey(member(c.ID))
	won := false
	err := s.update(ctx, key, func(tx *redis.Tx, j *taskqueue.Job) error {
		won = false
		if j == nil || !c.Matches(j) {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"fetched", strconv.FormatInt(c.Fetched.UnixMilli(), 10),
				"expires_at", strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10),
				"worker_key", c.WorkerKey,
			)
			if c.Restart {
				pipe.HIncrBy(ctx, key, "failed", 1)
				pipe.HSet(ctx, key, "failure_message", c.FailureMessage)
			}
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("taskqueue/redis: claim job: %w", err)
	}
	return won, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*taskqueue.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(member(id))).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, taskqueue.ErrJobNotFound
	}
	return mapToJob(vals)
}

func (s *Store) CompleteJob(ctx context.Context, id int64, at time.Time) (bool, error) {
	m := member(id)
	key := jobKey(m)
	done := false
	err := s.update(ctx, key, func(tx *redis.Tx, j *taskqueue.Job) error {
		done = false
		if j == nil || j.Fetched == nil || j.Completed != nil {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "completed", strconv.FormatInt(at.UnixMilli(), 10))
			pipe.ZRem(ctx, pendingKey, m)
			pipe.ZRem(ctx, typeKey(j.JobType), m)
			pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(at.UnixMilli()), Member: m})
			return nil
		})
		if err == nil {
			done = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("taskqueue/redis: complete job: %w", err)
	}
	return done, nil
}

func (s *Store) FailJob(ctx context.Context, id int64, message string) (bool, error) {
	key := jobKey(member(id))
	done := false
	err := s.update(ctx, key, func(tx *redis.Tx, j *taskqueue.Job) error {
		done = false
		if j == nil || j.Fetched == nil || j.Completed != nil {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, "failed", 1)
			pipe.HSet(ctx, key, "failure_message", message, "worker_key", "")
			pipe.HDel(ctx, key, "fetched", "expires_at")
			return nil
		})
		if err == nil {
			done = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("taskqueue/redis: fail job: %w", err)
	}
	return done, nil
}

func (s *Store) CountPending(ctx context.Context, jobType string) (int64, error) {
	key := pendingKey
	if jobType != "" {
		key = typeKey(jobType)
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/redis: count pending: %w", err)
	}
	return n, nil
}

func (s *Store) ListGroup(ctx context.Context, group string) ([]taskqueue.Job, error) {
	members, err := s.client.ZRange(ctx, groupKey(group), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue/redis: list group: %w", err)
	}
	return s.getJobs(ctx, members)
}

func (s *Store) DeleteCompleted(ctx context.Context, before time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, completedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/redis: delete completed: %w", err)
	}

	jobs, err := s.getJobs(ctx, members)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for i := range jobs {
		s.deleteJob(ctx, pipe, &jobs[i])
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("taskqueue/redis: delete completed: %w", err)
	}
	return int64(len(jobs)), nil
}

func (s *Store) DeleteExhausted(ctx context.Context, q taskqueue.ExhaustedQuery) (int64, error) {
	var n int64
	for _, f := range q.Types {
		members, err := s.client.ZRange(ctx, typeKey(f.JobType), 0, -1).Result()
		if err != nil {
			return n, fmt.Errorf("taskqueue/redis: delete exhausted: %w", err)
		}
		for _, m := range members {
			deleted := false
			err := s.update(ctx, jobKey(m), func(tx *redis.Tx, j *taskqueue.Job) error {
				deleted = false
				if j == nil || !f.ExhaustedBy(j) {
					return nil
				}
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					s.deleteJob(ctx, pipe, j)
					return nil
				})
				if err == nil {
					deleted = true
				}
				return err
			})
			if err != nil {
				return n, fmt.Errorf("taskqueue/redis: delete exhausted: %w", err)
			}
			if deleted {
				n++
			}
		}
	}
	return n, nil
}

// deleteJob queues removal of j from every index.
func (s *Store) deleteJob(ctx context.Context, pipe redis.Pipeliner, j *taskqueue.Job) {
	m := member(j.ID)
	pipe.Del(ctx, jobKey(m))
	pipe.ZRem(ctx, pendingKey, m)
	pipe.ZRem(ctx, typeKey(j.JobType), m)
	pipe.ZRem(ctx, completedKey, m)
	if j.Group != "" {
		pipe.ZRem(ctx, groupKey(j.Group), m)
	}
}

// update watches key, loads the job (nil if missing) and runs fn. The
// transaction is retried while another client modifies key concurrently.
func (s *Store) update(ctx context.Context, key string, fn func(tx *redis.Tx, j *taskqueue.Job) error) error {
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fn(tx, nil)
		}
		j, err := mapToJob(vals)
		if err != nil {
			return err
		}
		return fn(tx, j)
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("redis transaction conflict, retrying", "key", key, "attempt", i+1)
	}
	return redis.TxFailedErr
}

// getJobs loads the given members in order, skipping jobs deleted meanwhile.
func (s *Store) getJobs(ctx context.Context, members []string) ([]taskqueue.Job, error) {
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGetAll(ctx, jobKey(m))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taskqueue/redis: load jobs: %w", err)
	}

	jobs := make([]taskqueue.Job, 0, len(members))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			s.logger.Debug("indexed job has no hash", "member", members[i])
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func jobToMap(j *taskqueue.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":              strconv.FormatInt(j.ID, 10),
		"job_type":        j.JobType,
		"data":            string(j.Data),
		"job_group":       j.Group,
		"reference":       j.Reference,
		"created_at":      strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
		"not_before":      strconv.FormatInt(j.NotBefore.UnixMilli(), 10),
		"failed":          strconv.Itoa(j.Failed),
		"failure_message": j.FailureMessage,
		"worker_key":      j.WorkerKey,
	}
	if j.Fetched != nil {
		m["fetched"] = strconv.FormatInt(j.Fetched.UnixMilli(), 10)
	}
	if j.ExpiresAt != nil {
		m["expires_at"] = strconv.FormatInt(j.ExpiresAt.UnixMilli(), 10)
	}
	if j.Completed != nil {
		m["completed"] = strconv.FormatInt(j.Completed.UnixMilli(), 10)
	}
	return m
}

func mapToJob(m map[string]string) (*taskqueue.Job, error) {
	id, err := strconv.ParseInt(m["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("taskqueue/redis: parse job id: %w", err)
	}

	failed, _ := strconv.Atoi(m["failed"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	notBefore, _ := strconv.ParseInt(m["not_before"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &taskqueue.Job{
		ID:             id,
		JobType:        m["job_type"],
		Group:          m["job_group"],
		Reference:      m["reference"],
		CreatedAt:      time.UnixMilli(createdAt),
		NotBefore:      time.UnixMilli(notBefore),
		Failed:         failed,
		FailureMessage: m["failure_message"],
		WorkerKey:      m["worker_key"],
	}
	if data := m["data"]; data != "" {
		j.Data = []byte(data)
	}
	j.Fetched = parseMillis(m, "fetched")
	j.Completed = parseMillis(m, "completed")
	j.ExpiresAt = parseMillis(m, "expires_at")
	return j, nil
}

func parseMillis(m map[string]string, field string) *time.Time {
	v, ok := m[field]
	if !ok || v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
