// Package relational implements queue.Driver over a relational row table,
// shared byte-for-byte between PostgreSQL and SQLite. Grounded in
// internal/data/repos/jobs/job_run.go: the same transactional
// claim/update/heartbeat shapes, generalized off a business-specific
// job_run row onto the column layout SPEC_FULL.md §6.2 specifies.
package relational

import (
	"time"

	"gorm.io/datatypes"
)

// JobRow is the shared row schema. Column names and order match
// SPEC_FULL.md §6.2 exactly ("bit-level identical across SQLite/PostgreSQL");
// schema itself is owned by the goose migrations under migrations/, not by
// GORM's AutoMigrate, so dialect-specific type inference cannot cause the
// two schemas to drift (see DESIGN.md).
type JobRow struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Queue           string         `gorm:"column:queue;not null"`
	Key             *string        `gorm:"column:key"`
	Data            datatypes.JSON `gorm:"column:data;not null"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
	Priority        int            `gorm:"column:priority;not null;default:0"`
	ScheduledFor    time.Time      `gorm:"column:scheduled_for;not null"`
	Attempts        int            `gorm:"column:attempts;not null;default:0"`
	MaxAttempts     int            `gorm:"column:max_attempts;not null;default:1"`
	Status          string         `gorm:"column:status;not null;default:pending"`
	LockedBy        *string        `gorm:"column:locked_by"`
	LockedAt        *time.Time     `gorm:"column:locked_at"`
	ExpiresAt       *time.Time     `gorm:"column:expires_at"`
	LastError       *string        `gorm:"column:last_error"`
	Stages          datatypes.JSON `gorm:"column:stages"`
	OverallProgress int            `gorm:"column:overall_progress;not null;default:0"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null"`
}

func (JobRow) TableName() string { return "queue_jobs" }

// ScheduleRow backs queue.Schedule (SPEC_FULL.md §3.3).
type ScheduleRow struct {
	Key       string         `gorm:"column:key;primaryKey"`
	Queue     string         `gorm:"column:queue;not null"`
	Cron      string         `gorm:"column:cron;not null"`
	Data      datatypes.JSON `gorm:"column:data"`
	Enabled   bool           `gorm:"column:enabled;not null;default:true"`
	LastRunAt *time.Time     `gorm:"column:last_run_at"`
	NextRunAt time.Time      `gorm:"column:next_run_at;not null"`
}

func (ScheduleRow) TableName() string { return "queue_schedules" }
