package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemorySlots is an in-process SlotStore.
// It is safe for concurrent use within one process.
type MemorySlots struct {
	mu    sync.Mutex
	state map[string]time.Time
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{
		state: make(map[string]time.Time),
	}
}

func (m *MemorySlots) Reserve(_ context.Context, key string, fn func(previous time.Time, exists bool) (time.Time, error)) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous, exists := m.state[key]
	next, err := fn(previous, exists)
	if err != nil {
		return time.Time{}, err
	}
	if next.IsZero() {
		return time.Time{}, ErrZeroScheduledAt
	}

	m.state[key] = next
	return next, nil
}

const slotKeyPrefix = "taskqueue:slot:"

// maxSlotRetries bounds how often a reservation is retried after another
// scheduler wrote the same key.
const maxSlotRetries = 16

// RedisSlots is a SlotStore shared by every process using the same Redis.
// Each key holds the last slot as unix milliseconds and is updated with
// WATCH/MULTI.
type RedisSlots struct {
	client redis.UniversalClient
}

func NewRedisSlots(client redis.UniversalClient) *RedisSlots {
	return &RedisSlots{client: client}
}

func (r *RedisSlots) Reserve(ctx context.Context, key string, fn func(previous time.Time, exists bool) (time.Time, error)) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, ErrEmptyKey
	}
	rkey := slotKeyPrefix + key

	var next time.Time
	txf := func(tx *redis.Tx) error {
		var (
			previous time.Time
			exists   bool
		)
		raw, err := tx.Get(ctx, rkey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return err
			}
			previous, exists = time.UnixMilli(ms), true
		}

		next, err = fn(previous, exists)
		if err != nil {
			return err
		}
		if next.IsZero() {
			return ErrZeroScheduledAt
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, strconv.FormatInt(next.UnixMilli(), 10), 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxSlotRetries; i++ {
		err := r.client.Watch(ctx, txf, rkey)
		if !errors.Is(err, redis.TxFailedErr) {
			if err != nil {
				return time.Time{}, err
			}
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
	}
	return time.Time{}, redis.TxFailedErr
}
