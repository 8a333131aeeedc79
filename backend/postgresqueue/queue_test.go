//go:build integration
// +build integration

package postgresqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/postgresqueue"
	"github.com/mhpenta/taskqueue/internal/storetest"
)

type TestPayload struct {
	Message   string `json:"message"`
	ShouldErr bool   `json:"should_err"`
}

var (
	dsnOnce sync.Once
	dsn     string
	dsnErr  error
)

// testDSN prefers TASKQUEUE_POSTGRES_DSN and otherwise starts one postgres
// container shared by every test in the package.
func testDSN(t *testing.T) string {
	t.Helper()

	dsnOnce.Do(func() {
		if dsn = os.Getenv("TASKQUEUE_POSTGRES_DSN"); dsn != "" {
			return
		}
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("taskqueue_test"),
			tcpostgres.WithUsername("taskqueue_test"),
			tcpostgres.WithPassword("testpassword"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			dsnErr = err
			return
		}
		dsn, dsnErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if dsnErr != nil {
		t.Skipf("postgres not available: %v", dsnErr)
	}
	return dsn
}

// testSetup returns a migrated, empty database.
func testSetup(t *testing.T) *postgresqueue.Database {
	t.Helper()
	ctx := context.Background()
	dsn := testDSN(t)

	if err := postgresqueue.Migrate(ctx, dsn); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	database, err := postgresqueue.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, "TRUNCATE queued_tasks RESTART IDENTITY"); err != nil {
		database.Close()
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(database.Close)
	return database
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return b
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) taskqueue.Store {
		return postgresqueue.NewStore(testSetup(t).DB)
	})
}

func TestCreateRequestDone(t *testing.T) {
	database := testSetup(t)
	queue := postgresqueue.New(database.DB, taskqueue.DefaultConfig())
	ctx := context.Background()

	body := mustMarshal(t, TestPayload{Message: "hello"})
	id, err := queue.CreateJob(ctx, "test-job", body)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job, err := queue.RequestJob(ctx, taskqueue.Capabilities{"test-job": {Timeout: time.Minute}}, "")
	if err != nil {
		t.Fatalf("RequestJob failed: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("RequestJob = %+v, want job %d", job, id)
	}

	var payload TestPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if payload.Message != "hello" {
		t.Errorf("payload.Message = %q, want %q", payload.Message, "hello")
	}

	if err := queue.MarkJobDone(ctx, id); err != nil {
		t.Fatalf("MarkJobDone failed: %v", err)
	}
}

func TestMarkJobDoneOnNonexistentJob(t *testing.T) {
	database := testSetup(t)
	queue := postgresqueue.New(database.DB, taskqueue.DefaultConfig())

	err := queue.MarkJobDone(context.Background(), 424242)
	if !errors.Is(err, taskqueue.ErrJobNotFound) {
		t.Errorf("MarkJobDone = %v, want ErrJobNotFound", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dsn := testDSN(t)
	for i := 0; i < 2; i++ {
		if err := postgresqueue.Migrate(context.Background(), dsn); err != nil {
			t.Fatalf("Migrate #%d failed: %v", i+1, err)
		}
	}
}
