package relational

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/eclaire-labs/eclaire/internal/queue"
)

func toJSON(v map[string]any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func fromJSON(b datatypes.JSON) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func stagesToJSON(stages []queue.Stage) datatypes.JSON {
	if stages == nil {
		return nil
	}
	b, err := json.Marshal(stages)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func stagesFromJSON(b datatypes.JSON) []queue.Stage {
	if len(b) == 0 {
		return nil
	}
	var s []queue.Stage
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (row *JobRow) toJob() *queue.Job {
	return &queue.Job{
		ID:              row.ID,
		Queue:           row.Queue,
		Key:             strVal(row.Key),
		Data:            fromJSON(row.Data),
		Metadata:        fromJSON(row.Metadata),
		Priority:        row.Priority,
		ScheduledFor:    row.ScheduledFor,
		Attempts:        row.Attempts,
		MaxAttempts:     row.MaxAttempts,
		Status:          queue.Status(row.Status),
		LockedBy:        strVal(row.LockedBy),
		LockedAt:        row.LockedAt,
		ExpiresAt:       row.ExpiresAt,
		LastError:       strVal(row.LastError),
		Stages:          stagesFromJSON(row.Stages),
		OverallProgress: row.OverallProgress,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func rowFromSchedule(s queue.Schedule) *ScheduleRow {
	return &ScheduleRow{
		Key:       s.Key,
		Queue:     s.Queue,
		Cron:      s.Cron,
		Data:      toJSON(s.Data),
		Enabled:   s.Enabled,
		LastRunAt: s.LastRunAt,
		NextRunAt: s.NextRunAt,
	}
}

func (row *ScheduleRow) toSchedule() queue.Schedule {
	return queue.Schedule{
		Key:       row.Key,
		Queue:     row.Queue,
		Cron:      row.Cron,
		Data:      fromJSON(row.Data),
		Enabled:   row.Enabled,
		LastRunAt: row.LastRunAt,
		NextRunAt: row.NextRunAt,
	}
}
