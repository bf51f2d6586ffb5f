package relational

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eclaire-labs/eclaire/internal/pkg/logger"
	"github.com/eclaire-labs/eclaire/internal/pkg/pointers"
	"github.com/eclaire-labs/eclaire/internal/queue"
)

// Driver implements queue.Driver over PostgreSQL or SQLite through the
// same GORM handle and row layout. Grounded in
// internal/data/repos/jobs/job_run.go's jobRunRepo: transactional
// claim-then-update, RowsAffected-guarded conditional writes, and a
// dialect branch for the row-lock strategy (Postgres SELECT ... FOR
// UPDATE SKIP LOCKED vs SQLite's single-writer transaction semantics).
type Driver struct {
	db       *gorm.DB
	log      *logger.Logger
	postgres bool
}

// New wraps db (already migrated — see migrations/) as a queue.Driver.
func New(db *gorm.DB, log *logger.Logger) *Driver {
	return &Driver{
		db:       db,
		log:      log.With("component", "RelationalDriver"),
		postgres: db.Dialector.Name() == "postgres",
	}
}

var _ queue.Driver = (*Driver)(nil)

func newID() string { return uuid.NewString() }

func (d *Driver) Enqueue(ctx context.Context, q string, data map[string]any, opts queue.EnqueueOptions) (string, error) {
	now := time.Now()
	var resultID string

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.Key == "" {
			row := &JobRow{
				ID:           newID(),
				Queue:        q,
				Data:         toJSON(data),
				Metadata:     toJSON(opts.Metadata),
				Priority:     opts.Priority,
				ScheduledFor: opts.ScheduledFor(now),
				MaxAttempts:  opts.ResolvedAttempts(),
				Status:       string(queue.StatusPending),
				Stages:       stagesToJSON(initialStages(opts.InitialStages)),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			resultID = row.ID
			return nil
		}

		var existing JobRow
		q2 := tx
		if d.postgres {
			q2 = q2.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q2.Where("queue = ? AND key = ?", q, opts.Key).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := &JobRow{
				ID:           newID(),
				Queue:        q,
				Key:          strPtr(opts.Key),
				Data:         toJSON(data),
				Metadata:     toJSON(opts.Metadata),
				Priority:     opts.Priority,
				ScheduledFor: opts.ScheduledFor(now),
				MaxAttempts:  opts.ResolvedAttempts(),
				Status:       string(queue.StatusPending),
				Stages:       stagesToJSON(initialStages(opts.InitialStages)),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if cerr := tx.Create(row).Error; cerr != nil {
				return cerr
			}
			resultID = row.ID
			return nil
		}
		if err != nil {
			return err
		}

		resultID = existing.ID
		replace := opts.ResolvedReplace()
		if replace == queue.ReplaceNever {
			return nil
		}
		if existing.Status == string(queue.StatusProcessing) {
			if replace == queue.ReplaceAlways {
				return queue.ErrReplaceActiveUnsupported
			}
			// if_not_active: leave the processing row untouched.
			return nil
		}

		updates := map[string]interface{}{
			"data":             toJSON(data),
			"metadata":         toJSON(opts.Metadata),
			"priority":         opts.Priority,
			"scheduled_for":    opts.ScheduledFor(now),
			"attempts":         0,
			"max_attempts":     opts.ResolvedAttempts(),
			"status":           string(queue.StatusPending),
			"locked_by":        nil,
			"locked_at":        nil,
			"expires_at":       nil,
			"last_error":       nil,
			"stages":           stagesToJSON(initialStages(opts.InitialStages)),
			"overall_progress": 0,
			"updated_at":       now,
		}
		return tx.Model(&JobRow{}).Where("id = ?", existing.ID).Updates(updates).Error
	})
	if err != nil {
		return "", err
	}
	return resultID, nil
}

func initialStages(names []string) []queue.Stage {
	if len(names) == 0 {
		return nil
	}
	stages := make([]queue.Stage, len(names))
	for i, n := range names {
		stages[i] = queue.Stage{Name: n, Status: queue.StageStatusPending}
	}
	return stages
}

func (d *Driver) GetJob(ctx context.Context, idOrKey string) (*queue.Job, error) {
	var row JobRow
	err := d.db.WithContext(ctx).Where("id = ?", idOrKey).First(&row).Error
	if err == nil {
		return row.toJob(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = d.db.WithContext(ctx).Where("key = ?", idOrKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toJob(), nil
}

func (d *Driver) Retry(ctx context.Context, idOrKey string) (bool, error) {
	row, err := d.findRow(ctx, idOrKey)
	if err != nil || row == nil {
		return false, err
	}
	if row.Status != string(queue.StatusFailed) {
		return false, nil
	}
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("id = ? AND status = ?", row.ID, string(queue.StatusFailed)).
		Updates(map[string]interface{}{
			"status":        string(queue.StatusPending),
			"attempts":      0,
			"scheduled_for": now,
			"last_error":    nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Cancel(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("id = ? AND status IN ?", id, []string{string(queue.StatusPending), string(queue.StatusProcessing)}).
		Updates(map[string]interface{}{
			"status":     string(queue.StatusFailed),
			"last_error": "cancelled",
			"locked_by":  nil,
			"locked_at":  nil,
			"expires_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Stats(ctx context.Context, q string) (queue.Stats, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := d.db.WithContext(ctx).Model(&JobRow{}).
		Select("status, count(*) as n").
		Where("queue = ?", q).
		Group("status").
		Scan(&rows).Error; err != nil {
		return queue.Stats{}, err
	}
	var s queue.Stats
	for _, r := range rows {
		switch queue.Status(r.Status) {
		case queue.StatusPending:
			s.Pending = r.N
		case queue.StatusProcessing:
			s.Processing = r.N
		case queue.StatusCompleted:
			s.Completed = r.N
		case queue.StatusFailed:
			s.Failed = r.N
		}
	}
	var delayed int64
	if err := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("queue = ? AND status = ? AND scheduled_for > ?", q, string(queue.StatusPending), time.Now()).
		Count(&delayed).Error; err != nil {
		return queue.Stats{}, err
	}
	s.Delayed = delayed
	return s, nil
}

// Claim atomically claims up to n pending-and-due rows. SPEC_FULL.md §4.2
// Claim: PostgreSQL locks candidates with SELECT ... FOR UPDATE SKIP
// LOCKED inside a transaction before updating them. SQLite runs the same
// select-then-update in an ordinary (deferred) transaction, since SKIP
// LOCKED has no SQLite equivalent; it does not issue BEGIN IMMEDIATE or a
// single UPDATE ... RETURNING statement. On both dialects each row update
// is guarded by status = 'pending', and a row whose update affects nothing
// is skipped, so a row is never claimed twice.
func (d *Driver) Claim(ctx context.Context, q string, workerID string, n int, leaseMs time.Duration) ([]queue.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := time.Now()
	expires := now.Add(leaseMs)

	var claimed []queue.Job
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if d.postgres {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []JobRow
		if err := query.
			Where("queue = ? AND status = ? AND scheduled_for <= ?", q, string(queue.StatusPending), now).
			Order("priority ASC, scheduled_for ASC, created_at ASC").
			Limit(n).
			Find(&candidates).Error; err != nil {
			return err
		}
		for _, c := range candidates {
			res := tx.Model(&JobRow{}).
				Where("id = ? AND status = ?", c.ID, string(queue.StatusPending)).
				Updates(map[string]interface{}{
					"status":       string(queue.StatusProcessing),
					"locked_by":    workerID,
					"locked_at":    now,
					"expires_at":   expires,
					"attempts":     gorm.Expr("attempts + 1"),
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue // lost the race to another claimant; skip
			}
			c.Status = string(queue.StatusProcessing)
			c.LockedBy = strPtr(workerID)
			c.LockedAt = pointers.Ptr(now)
			c.ExpiresAt = pointers.Ptr(expires)
			c.Attempts++
			claimed = append(claimed, *c.toJob())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *Driver) RenewLease(ctx context.Context, id string, workerID string, leaseMs time.Duration) (bool, error) {
	expires := time.Now().Add(leaseMs)
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(map[string]interface{}{
			"expires_at": expires,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Complete(ctx context.Context, id string, workerID string) (bool, error) {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(map[string]interface{}{
			"status":           string(queue.StatusCompleted),
			"overall_progress": 100,
			"locked_by":        nil,
			"locked_at":        nil,
			"expires_at":       nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Fail applies the commit-path rules of SPEC_FULL.md §4.2 Commit: when
// requeueAt is nil the job terminates failed; otherwise it returns to
// pending with scheduledFor=requeueAt, lease cleared, per the backoff the
// worker already computed.
func (d *Driver) Fail(ctx context.Context, id string, workerID string, errStr string, requeueAt *time.Time) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"last_error": errStr,
		"locked_by":  nil,
		"locked_at":  nil,
		"expires_at": nil,
		"updated_at": now,
	}
	if requeueAt != nil {
		updates["status"] = string(queue.StatusPending)
		updates["scheduled_for"] = *requeueAt
	} else {
		updates["status"] = string(queue.StatusFailed)
	}
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) UpdateStages(ctx context.Context, id string, workerID string, stages []queue.Stage, overallProgress int) (bool, error) {
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(map[string]interface{}{
			"stages":           stagesToJSON(stages),
			"overall_progress": overallProgress,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Driver) findRow(ctx context.Context, idOrKey string) (*JobRow, error) {
	var row JobRow
	err := d.db.WithContext(ctx).Where("id = ?", idOrKey).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = d.db.WithContext(ctx).Where("key = ?", idOrKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// StalenessSweep reclaims rows left processing by a crashed worker
// (expires_at < now). SPEC_FULL.md §4.2 "Stale Lease Reclaim": optional,
// may be run periodically alongside the worker.
func (d *Driver) StalenessSweep(ctx context.Context) (int64, error) {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&JobRow{}).
		Where("status = ? AND expires_at < ?", string(queue.StatusProcessing), now).
		Updates(map[string]interface{}{
			"status":     string(queue.StatusPending),
			"scheduled_for": now,
			"locked_by":  nil,
			"locked_at":  nil,
			"expires_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

