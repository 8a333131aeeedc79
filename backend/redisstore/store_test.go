package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/redisstore"
	"github.com/mhpenta/taskqueue/internal/storetest"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client), mr
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) taskqueue.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestPing(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestIndexesFollowLifecycle(t *testing.T) {
	s, mr := newStore(t)
	e, _ := storetest.NewEngine(t, func(*testing.T) taskqueue.Store { return s })
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "mail", []byte("x"), taskqueue.WithGroup("batch"))
	require.NoError(t, err)

	members, err := mr.ZMembers("taskqueue:type:mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"00000000000000000001"}, members)
	assert.True(t, mr.Exists("taskqueue:group:batch"))

	job, err := e.RequestJob(ctx, taskqueue.Capabilities{"mail": {}}, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, e.MarkJobDone(ctx, id))

	assert.False(t, mr.Exists("taskqueue:type:mail"), "completed job must leave the type index")
	completed, err := mr.ZMembers("taskqueue:completed")
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	n, err := s.DeleteCompleted(ctx, job.Fetched.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, mr.Exists("taskqueue:job:00000000000000000001"))
	assert.False(t, mr.Exists("taskqueue:group:batch"))
}
