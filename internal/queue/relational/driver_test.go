package relational

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
	"github.com/eclaire-labs/eclaire/internal/queue"
)

// sqliteDB opens the shared-cache in-memory SQLite database and runs
// migrations against it. Because of cache=shared, every test in the process
// sees the same database, so each test uses its own queue name for
// isolation. No environment gate: unlike the Postgres suite,
// this requires no external service, mirroring the teacher's
// testutil.DB but swapping the driver. Grounded in
// internal/data/repos/testutil/testutil.go's env-gate pattern, generalized
// to also cover the no-gate SQLite case.
func sqliteDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// postgresDB opens a connection to TEST_POSTGRES_DSN, skipping the test if
// unset. Grounded verbatim in testutil.DB's skip-if-no-DSN gate.
func postgresDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		tb.Skip("TEST_POSTGRES_DSN not set; skipping Postgres-backed relational driver tests")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open postgres: %v", err)
	}
	if err := Migrate(db); err != nil {
		tb.Fatalf("migrate postgres: %v", err)
	}
	return db
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// driverMatrix runs fn against both the SQLite and (if configured)
// Postgres backed drivers, parameterizing the invariant tests spec.md §8
// requires to hold "for both drivers".
func driverMatrix(t *testing.T, fn func(t *testing.T, d *Driver)) {
	t.Run("sqlite", func(t *testing.T) {
		d := New(sqliteDB(t), testLog(t))
		fn(t, d)
	})
	t.Run("postgres", func(t *testing.T) {
		d := New(postgresDB(t), testLog(t))
		fn(t, d)
	})
}

func TestEnqueueUniquenessByKey(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		id1, err := d.Enqueue(ctx, queueName, map[string]any{"v": 1}, queue.EnqueueOptions{Key: "dup"})
		if err != nil {
			t.Fatal(err)
		}
		id2, err := d.Enqueue(ctx, queueName, map[string]any{"v": 2}, queue.EnqueueOptions{Key: "dup"})
		if err != nil {
			t.Fatal(err)
		}
		if id1 != id2 {
			t.Fatalf("expected same id for duplicate key, got %s and %s", id1, id2)
		}
	})
}

func TestClaimMutualExclusion(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		if _, err := d.Enqueue(ctx, queueName, map[string]any{}, queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		total := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("w%d", i)
			go func() {
				defer wg.Done()
				jobs, err := d.Claim(ctx, queueName, workerID, 1, time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				total += len(jobs)
				mu.Unlock()
			}()
		}
		wg.Wait()
		if total != 1 {
			t.Fatalf("expected exactly one successful claim across 5 workers, got %d", total)
		}
	})
}

func TestClaimPriorityOrder(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		if _, err := d.Enqueue(ctx, queueName, map[string]any{"o": 3}, queue.EnqueueOptions{Priority: 10}); err != nil {
			t.Fatal(err)
		}
		if _, err := d.Enqueue(ctx, queueName, map[string]any{"o": 1}, queue.EnqueueOptions{Priority: 1}); err != nil {
			t.Fatal(err)
		}
		if _, err := d.Enqueue(ctx, queueName, map[string]any{"o": 2}, queue.EnqueueOptions{Priority: 5}); err != nil {
			t.Fatal(err)
		}

		jobs, err := d.Claim(ctx, queueName, "w1", 3, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 3 {
			t.Fatalf("expected 3 jobs claimed, got %d", len(jobs))
		}
		for i, want := range []float64{1, 2, 3} {
			got := jobs[i].Data["o"]
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("expected order [1 2 3], position %d got %v", i, got)
			}
		}
	})
}

func TestLeaseRenewalAndLoss(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		if _, err := d.Enqueue(ctx, queueName, map[string]any{}, queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
		jobs, err := d.Claim(ctx, queueName, "w1", 1, time.Minute)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("claim: %v %v", jobs, err)
		}
		id := jobs[0].ID

		ok, err := d.RenewLease(ctx, id, "w1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected renewal to succeed for owner, got ok=%v err=%v", ok, err)
		}

		ok, err = d.RenewLease(ctx, id, "w2", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("expected renewal by non-owner to fail")
		}
	})
}

func TestCompleteAndFailRespectOwnership(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		if _, err := d.Enqueue(ctx, queueName, map[string]any{}, queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
		jobs, err := d.Claim(ctx, queueName, "w1", 1, time.Minute)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("claim: %v %v", jobs, err)
		}
		id := jobs[0].ID

		ok, err := d.Complete(ctx, id, "w2")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("expected complete by non-owner to be rejected")
		}

		ok, err = d.Complete(ctx, id, "w1")
		if err != nil || !ok {
			t.Fatalf("expected complete by owner to succeed, ok=%v err=%v", ok, err)
		}

		job, err := d.GetJob(ctx, id)
		if err != nil || job == nil {
			t.Fatalf("getjob: %v %v", job, err)
		}
		if job.Status != queue.StatusCompleted {
			t.Fatalf("expected completed, got %s", job.Status)
		}
	})
}

func TestRetryOnlyWhenFailed(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		id, err := d.Enqueue(ctx, queueName, map[string]any{}, queue.EnqueueOptions{})
		if err != nil {
			t.Fatal(err)
		}

		ok, err := d.Retry(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("expected retry on pending job to be a no-op")
		}

		jobs, _ := d.Claim(ctx, queueName, "w1", 1, time.Minute)
		if _, err := d.Fail(ctx, jobs[0].ID, "w1", "boom", nil); err != nil {
			t.Fatal(err)
		}

		ok, err = d.Retry(ctx, id)
		if err != nil || !ok {
			t.Fatalf("expected retry on failed job to succeed, ok=%v err=%v", ok, err)
		}
		job, _ := d.GetJob(ctx, id)
		if job.Status != queue.StatusPending || job.Attempts != 0 {
			t.Fatalf("expected reset to pending/attempts=0, got %+v", job)
		}
	})
}

func TestCancelNoopOnTerminal(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		id, err := d.Enqueue(ctx, queueName, map[string]any{}, queue.EnqueueOptions{})
		if err != nil {
			t.Fatal(err)
		}
		jobs, _ := d.Claim(ctx, queueName, "w1", 1, time.Minute)
		if _, err := d.Complete(ctx, jobs[0].ID, "w1"); err != nil {
			t.Fatal(err)
		}

		ok, err := d.Cancel(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("expected cancel on completed job to be a no-op")
		}
	})
}

func TestStalenessSweepReclaims(t *testing.T) {
	driverMatrix(t, func(t *testing.T, d *Driver) {
		ctx := context.Background()
		queueName := fmt.Sprintf("q-%d", time.Now().UnixNano())
		if _, err := d.Enqueue(ctx, queueName, map[string]any{}, queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
		jobs, err := d.Claim(ctx, queueName, "w1", 1, -1*time.Minute) // already expired
		if err != nil || len(jobs) != 1 {
			t.Fatalf("claim: %v %v", jobs, err)
		}

		n, err := d.StalenessSweep(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row reclaimed, got %d", n)
		}
		job, _ := d.GetJob(ctx, jobs[0].ID)
		if job.Status != queue.StatusPending {
			t.Fatalf("expected reclaimed job back to pending, got %s", job.Status)
		}
	})
}
