package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclaire-labs/eclaire/internal/pkg/ctxutil"
	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
)

// CronSchedule is the interface SPEC_FULL.md assumes cron expression
// parsing already provides (spec.md §1 "Out of scope": "Cron expression
// parsing (assumed available as Next(now time.Time) time.Time)").
// github.com/robfig/cron/v3's cron.Schedule satisfies this directly.
type CronSchedule interface {
	Next(now time.Time) time.Time
}

// CronParser parses a cron expression into a CronSchedule. Implemented by
// the wrapper NewStandardCronParser returns around robfig/cron/v3's
// cron.Parser (cronadapter.go); cron.Parser itself returns cron.Schedule
// and so does not satisfy this interface directly.
type CronParser interface {
	Parse(spec string) (CronSchedule, error)
}

// ScheduleStore is the minimal persistence surface the Scheduler needs:
// read due (enabled, nextRunAt ≤ now) schedules, and advance one after
// firing. A relational or Redis driver that also stores schedules can
// implement this directly; it is deliberately narrower than Driver since
// scheduling does not need claim/lease machinery.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
	Advance(ctx context.Context, key string, lastRunAt time.Time, nextRunAt time.Time) error
}

// SchedulerConfig configures a Scheduler. SPEC_FULL.md §6.4.
type SchedulerConfig struct {
	CheckInterval time.Duration // default 1s
	CatchupPolicy CatchupPolicy // default coalesce
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 1 * time.Second
	}
	if c.CatchupPolicy == "" {
		c.CatchupPolicy = CatchupCoalesce
	}
	return c
}

// Scheduler is a loop that enqueues jobs for matured cron schedules.
// SPEC_FULL.md §4.6. It has no direct teacher analogue (the teacher has no
// cron subsystem); it is built fresh in the Worker's poll-loop idiom:
// ticker + select + idempotent Start/Stop with a drain wait group.
type Scheduler struct {
	client  *Client
	store   ScheduleStore
	parser  CronParser
	cfg     SchedulerConfig
	clock   Clock
	log     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneWG  sync.WaitGroup
}

func NewScheduler(client *Client, store ScheduleStore, parser CronParser, cfg SchedulerConfig, clock Clock, log *logger.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		client: client,
		store:  store,
		parser: parser,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		log:    log.With("component", "Scheduler"),
	}
}

// Start launches the check loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	ctx = ctxutil.Default(ctx)
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("starting scheduler", "check_interval", s.cfg.CheckInterval, "catchup_policy", s.cfg.CatchupPolicy)
	s.doneWG.Add(1)
	go s.loop(ctx)
}

// Stop cancels the check loop and waits for the current tick to finish.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.doneWG.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.doneWG.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick enqueues exactly one job per due schedule, then advances nextRunAt:
// past every boundary already elapsed (coalesce), or by one boundary so that
// later ticks fire the remaining missed boundaries one at a time (replay).
// SPEC_FULL.md §4.6, scenario S3.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.log.Warn("DueSchedules failed", "error", err)
		return
	}
	for _, sch := range due {
		s.fire(ctx, sch, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sch Schedule, now time.Time) {
	schedule, err := s.parser.Parse(sch.Cron)
	if err != nil {
		s.log.Warn("invalid cron expression", "schedule_key", sch.Key, "cron", sch.Cron, "error", err)
		return
	}

	fireAt := sch.NextRunAt
	nextRunAt := schedule.Next(fireAt)

	key := fmt.Sprintf("%s:%s", sch.Key, fireAt.UTC().Format(time.RFC3339))
	if _, err := s.client.Enqueue(ctx, sch.Queue, sch.Data, EnqueueOptions{
		Key:     key,
		Replace: ReplaceNever,
	}); err != nil {
		s.log.Warn("scheduled enqueue failed", "schedule_key", sch.Key, "error", err)
		return
	}

	if s.cfg.CatchupPolicy == CatchupReplay {
		// Advance one boundary at a time; if downtime spanned multiple
		// boundaries, the next tick fires the next one (DueSchedules will
		// see nextRunAt <= now again immediately).
	} else {
		// Coalesce: skip forward past every boundary already in the past so
		// only one job fires for however many ticks were missed.
		for nextRunAt.Before(now) {
			nextRunAt = schedule.Next(nextRunAt)
		}
	}

	if err := s.store.Advance(ctx, sch.Key, fireAt, nextRunAt); err != nil {
		s.log.Warn("schedule advance failed", "schedule_key", sch.Key, "error", err)
	}
}
