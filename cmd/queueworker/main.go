// Command queueworker is the process entrypoint wiring a backend driver,
// queue.Client, queue.Worker, and queue.Scheduler together. Grounded in the
// teacher's cmd/main.go: env-driven boolean flags select which subsystems
// run, cleanup happens via defer, and the process blocks until signaled.
// Generalized here with signal.NotifyContext for graceful shutdown, since
// the teacher's own main.go has no equivalent (it blocks on the HTTP
// server's own Run, or select{} for its worker-only mode) and SPEC_FULL.md
// §5 requires draining in-flight handlers before exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eclaire-labs/eclaire/internal/pkg/envutil"
	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
	"github.com/eclaire-labs/eclaire/internal/queue"
	"github.com/eclaire-labs/eclaire/internal/queue/redisqueue"
	"github.com/eclaire-labs/eclaire/internal/queue/relational"
)

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	driverKind := envutil.String("QUEUE_DRIVER", "sqlite")
	queueName := envutil.String("QUEUE_NAME", "default")
	runWorker := envutil.Bool("RUN_WORKER", true)
	runScheduler := envutil.Bool("RUN_SCHEDULER", false)

	driver, scheduleStore, closeFn, err := buildBackend(driverKind, log)
	if err != nil {
		log.Fatal("failed to initialize queue backend", "driver", driverKind, "error", err)
	}
	defer closeFn()

	client := queue.NewClient(driver)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var worker *queue.Worker
	if runWorker {
		worker = queue.NewWorker(driver, queue.HandlerFunc(logEchoHandler(log)), queue.WorkerConfig{
			Queue:             queueName,
			Concurrency:       envutil.Int("QUEUE_CONCURRENCY", 4),
			PollInterval:      envutil.Duration("QUEUE_POLL_INTERVAL", time.Second),
			LockDuration:      envutil.Duration("QUEUE_LOCK_DURATION", 30*time.Second),
			HeartbeatInterval: envutil.Duration("QUEUE_HEARTBEAT_INTERVAL", 10*time.Second),
			SweepInterval:     envutil.Duration("QUEUE_SWEEP_INTERVAL", 30*time.Second),
			Sweep:             buildSweepFunc(driver, queueName),
		}, nil, log, envutil.String("QUEUE_WORKER_ID", ""))
		worker.Start(ctx)
		log.Info("worker started", "queue", queueName)
	}

	var scheduler *queue.Scheduler
	if runScheduler {
		if scheduleStore == nil {
			log.Fatal("RUN_SCHEDULER=true but the selected driver has no schedule store wired", "driver", driverKind)
		}
		scheduler = queue.NewScheduler(client, scheduleStore, queue.NewStandardCronParser(), queue.SchedulerConfig{
			CheckInterval: envutil.Duration("QUEUE_SCHEDULER_CHECK_INTERVAL", time.Second),
			CatchupPolicy: queue.CatchupPolicy(envutil.String("QUEUE_SCHEDULER_CATCHUP", string(queue.CatchupCoalesce))),
		}, nil, log)
		scheduler.Start(ctx)
		log.Info("scheduler started")
	}

	<-ctx.Done()
	log.Info("shutdown signal received; draining")

	if scheduler != nil {
		scheduler.Stop()
	}
	if worker != nil {
		worker.Stop()
	}
	log.Info("shutdown complete")
}

// buildBackend opens the configured storage backend and returns its Driver,
// an optional ScheduleStore (nil when the backend doesn't have one wired
// for scheduling yet), and a cleanup func.
func buildBackend(kind string, log *logger.Logger) (queue.Driver, queue.ScheduleStore, func(), error) {
	switch kind {
	case "postgres":
		dsn := envutil.String("QUEUE_POSTGRES_DSN", "")
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("QUEUE_POSTGRES_DSN is required for QUEUE_DRIVER=postgres")
		}
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := relational.Migrate(db); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		d := relational.New(db, log)
		return d, relational.NewScheduleStore(db), func() { _ = d.Close() }, nil

	case "sqlite":
		path := envutil.String("QUEUE_SQLITE_PATH", "queue.db")
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := relational.Migrate(db); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		d := relational.New(db, log)
		return d, relational.NewScheduleStore(db), func() { _ = d.Close() }, nil

	case "redis":
		addr := envutil.String("QUEUE_REDIS_ADDR", "localhost:6379")
		prefix := envutil.String("QUEUE_REDIS_PREFIX", "eclaire:queue")
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: envutil.String("QUEUE_REDIS_PASSWORD", ""),
			DB:       envutil.Int("QUEUE_REDIS_DB", 0),
		})
		d := redisqueue.New(rdb, prefix, log)
		return d, redisqueue.NewScheduleStore(rdb, prefix), func() { _ = d.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown QUEUE_DRIVER %q (want postgres, sqlite, or redis)", kind)
	}
}

// buildSweepFunc adapts whichever backend's StalenessSweep is wired into a
// single ctx-only shape Worker can call on a timer (SPEC_FULL.md §4.2 "Stale
// Lease Reclaim"). relational.Driver sweeps every queue at once; redisqueue.
// Driver sweeps one queue, so its call is closed over queueName. A backend
// with neither method disables the reaper.
func buildSweepFunc(driver queue.Driver, queueName string) func(context.Context) (int64, error) {
	switch d := driver.(type) {
	case interface {
		StalenessSweep(ctx context.Context) (int64, error)
	}:
		return d.StalenessSweep
	case interface {
		StalenessSweep(ctx context.Context, queueName string) (int64, error)
	}:
		return func(ctx context.Context) (int64, error) { return d.StalenessSweep(ctx, queueName) }
	default:
		return nil
	}
}

// logEchoHandler is a reference job handler: it logs the claimed job's data
// and completes immediately. Real deployments wire their own queue.Handler
// in place of this; it exists so this binary is runnable standalone for
// smoke-testing a backend.
func logEchoHandler(log *logger.Logger) func(jc *queue.JobContext) error {
	return func(jc *queue.JobContext) error {
		job := jc.Job()
		jc.Log("processing job", "job_id", job.ID, "data", job.Data)
		jc.Progress(100)
		return nil
	}
}
