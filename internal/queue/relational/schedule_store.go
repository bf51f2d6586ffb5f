package relational

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/eclaire-labs/eclaire/internal/queue"
)

// ScheduleStore implements queue.ScheduleStore over the queue_schedules
// table. Schedules are never deleted (SPEC_FULL.md §3.3); Upsert is the
// only write path besides Advance.
type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

var _ queue.ScheduleStore = (*ScheduleStore)(nil)

// Upsert creates or updates a schedule by key. Disabling a schedule is done
// by passing Enabled=false, never by deleting the row.
func (s *ScheduleStore) Upsert(ctx context.Context, sch queue.Schedule) error {
	row := rowFromSchedule(sch)
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *ScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]queue.Schedule, error) {
	var rows []ScheduleRow
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]queue.Schedule, len(rows))
	for i, r := range rows {
		out[i] = r.toSchedule()
	}
	return out, nil
}

func (s *ScheduleStore) Advance(ctx context.Context, key string, lastRunAt time.Time, nextRunAt time.Time) error {
	return s.db.WithContext(ctx).Model(&ScheduleRow{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		}).Error
}
