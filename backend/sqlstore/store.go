// Package sqlstore implements taskqueue.Store on database/sql.
// All instants are stored as unix milliseconds so that comparisons behave
// the same on every dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mhpenta/taskqueue"
)

const table = "queued_tasks"

var columns = []string{
	"id", "job_type", "data", "job_group", "reference", "created_at",
	"not_before", "fetched", "completed", "failed", "failure_message", "worker_key",
	"expires_at",
}

var _ taskqueue.Store = (*Store)(nil)

type Store struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// New returns a Store over db. The schema must already be migrated.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}
}

func (s *Store) InsertJob(ctx context.Context, j *taskqueue.Job) (int64, error) {
	query, args, err := s.builder.
		Insert(table).
		Columns("job_type", "data", "job_group", "reference", "created_at", "not_before").
		Values(j.JobType, j.Data, j.Group, j.Reference, millis(j.CreatedAt), millis(j.NotBefore)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/sql: insert job: build query: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("taskqueue/sql: insert job: %w", err)
	}
	return id, nil
}

func (s *Store) FindCandidates(ctx context.Context, q taskqueue.CandidateQuery) ([]taskqueue.Job, error) {
	if len(q.Types) == 0 {
		return nil, nil
	}

	byType := make(sq.Or, 0, len(q.Types))
	for _, f := range q.Types {
		byType = append(byType, sq.And{
			sq.Eq{"job_type": f.JobType},
			sq.Lt{"failed": f.MaxFailed},
			sq.Or{
				sq.Eq{"fetched": nil},
				sq.LtOrEq{"fetched": millis(f.ExpiredBefore)},
			},
		})
	}

	sb := s.builder.
		Select(columns...).
		From(table).
		Where(sq.Eq{"completed": nil}).
		Where(sq.LtOrEq{"not_before": millis(q.Now)}).
		Where(byType).
		OrderBy("not_before ASC", "id ASC")
	if q.Group != "" {
		sb = sb.Where(sq.Eq{"job_group": q.Group})
	}
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit))
	}

	return s.queryJobs(ctx, "find candidates", sb)
}

func (s *Store) ClaimJob(ctx context.Context, c taskqueue.Claim) (bool, error) {
	ub := s.builder.
		Update(table).
		Set("fetched", millis(c.Fetched)).
		Set("expires_at", millis(c.ExpiresAt)).
		Set("worker_key", c.WorkerKey).
		Where(sq.Eq{
			"id":         c.ID,
			"completed":  nil,
			"failed":     c.PrevFailed,
			"worker_key": c.PrevWorkerKey,
			"fetched":    nullMillis(c.PrevFetched),
		})
	if c.Restart {
		ub = ub.
			Set("failed", sq.Expr("failed + 1")).
			Set("failure_message", c.FailureMessage)
	}
	return s.execOne(ctx, "claim job", ub)
}

func (s *Store) GetJob(ctx context.Context, id int64) (*taskqueue.Job, error) {
	query, args, err := s.builder.
		Select(columns...).
		From(table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("taskqueue/sql: get job: build query: %w", err)
	}

	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskqueue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue/sql: get job: %w", err)
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id int64, at time.Time) (bool, error) {
	ub := s.builder.
		Update(table).
		Set("completed", millis(at)).
		Where(sq.Eq{"id": id, "completed": nil}).
		Where(sq.NotEq{"fetched": nil})
	return s.execOne(ctx, "complete job", ub)
}

func (s *Store) FailJob(ctx context.Context, id int64, message string) (bool, error) {
	ub := s.builder.
		Update(table).
		Set("failed", sq.Expr("failed + 1")).
		Set("failure_message", message).
		Set("fetched", nil).
		Set("expires_at", nil).
		Set("worker_key", "").
		Where(sq.Eq{"id": id, "completed": nil}).
		Where(sq.NotEq{"fetched": nil})
	return s.execOne(ctx, "fail job", ub)
}

func (s *Store) CountPending(ctx context.Context, jobType string) (int64, error) {
	sb := s.builder.
		Select("COUNT(*)").
		From(table).
		Where(sq.Eq{"completed": nil})
	if jobType != "" {
		sb = sb.Where(sq.Eq{"job_type": jobType})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/sql: count pending: build query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("taskqueue/sql: count pending: %w", err)
	}
	return n, nil
}

func (s *Store) ListGroup(ctx context.Context, group string) ([]taskqueue.Job, error) {
	sb := s.builder.
		Select(columns...).
		From(table).
		Where(sq.Eq{"job_group": group}).
		OrderBy("id ASC")
	return s.queryJobs(ctx, "list group", sb)
}

func (s *Store) DeleteCompleted(ctx context.Context, before time.Time) (int64, error) {
	db := s.builder.
		Delete(table).
		Where(sq.NotEq{"completed": nil}).
		Where(sq.Lt{"completed": millis(before)})
	return s.execCount(ctx, "delete completed", db)
}

func (s *Store) DeleteExhausted(ctx context.Context, q taskqueue.ExhaustedQuery) (int64, error) {
	if len(q.Types) == 0 {
		return 0, nil
	}

	byType := make(sq.Or, 0, len(q.Types))
	for _, f := range q.Types {
		byType = append(byType, sq.And{
			sq.Eq{"job_type": f.JobType},
			sq.GtOrEq{"failed": f.MaxFailed},
			sq.Or{
				sq.Eq{"fetched": nil},
				sq.LtOrEq{"fetched": millis(f.ExpiredBefore)},
			},
		})
	}

	db := s.builder.
		Delete(table).
		Where(sq.Eq{"completed": nil}).
		Where(byType)
	return s.execCount(ctx, "delete exhausted", db)
}

func (s *Store) queryJobs(ctx context.Context, op string, sb sq.SelectBuilder) ([]taskqueue.Job, error) {
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("taskqueue/sql: %s: build query: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskqueue/sql: %s: %w", op, err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []taskqueue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("taskqueue/sql: %s: scan: %w", op, err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// execOne reports whether exactly one row was changed.
func (s *Store) execOne(ctx context.Context, op string, b sq.Sqlizer) (bool, error) {
	n, err := s.execCount(ctx, op, b)
	return n == 1, err
}

func (s *Store) execCount(ctx context.Context, op string, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/sql: %s: build query: %w", op, err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("taskqueue/sql: %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskqueue/sql: %s: rows affected: %w", op, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*taskqueue.Job, error) {
	var (
		j                    taskqueue.Job
		createdAt, notBefore int64
		fetched, completed   sql.NullInt64
		expiresAt            sql.NullInt64
	)
	if err := row.Scan(
		&j.ID, &j.JobType, &j.Data, &j.Group, &j.Reference, &createdAt,
		&notBefore, &fetched, &completed, &j.Failed, &j.FailureMessage, &j.WorkerKey,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	j.CreatedAt = time.UnixMilli(createdAt)
	j.NotBefore = time.UnixMilli(notBefore)
	j.Fetched = fromNullMillis(fetched)
	j.Completed = fromNullMillis(completed)
	j.ExpiresAt = fromNullMillis(expiresAt)
	return &j, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// nullMillis maps a nil time to SQL NULL, which sq.Eq renders as IS NULL.
func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
