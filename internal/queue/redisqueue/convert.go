package redisqueue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/eclaire-labs/eclaire/internal/queue"
)

func toJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func mapFromJSON(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func stagesFromJSON(s string) []queue.Stage {
	if s == "" || s == "null" {
		return nil
	}
	var st []queue.Stage
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return nil
	}
	return st
}

func unixMs(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMs(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// jobFromHash builds a queue.Job from a raw HGETALL result.
func jobFromHash(h map[string]string) *queue.Job {
	if len(h) == 0 {
		return nil
	}
	j := &queue.Job{
		ID:              h["id"],
		Queue:           h["queue"],
		Key:             h["key"],
		Data:            mapFromJSON(h["data"]),
		Metadata:        mapFromJSON(h["metadata"]),
		Priority:        atoi(h["priority"], 0),
		Attempts:        atoi(h["attempts"], 0),
		MaxAttempts:     atoi(h["maxAttempts"], 1),
		Status:          queue.Status(h["status"]),
		LockedBy:        h["lockedBy"],
		LastError:       h["lastError"],
		Stages:          stagesFromJSON(h["stages"]),
		OverallProgress: atoi(h["overallProgress"], 0),
	}
	if ms, ok := h["scheduledFor"]; ok {
		j.ScheduledFor = *fromUnixMsOrZero(ms)
	}
	j.LockedAt = fromUnixMs(h["lockedAt"])
	j.ExpiresAt = fromUnixMs(h["expiresAt"])
	if ms, ok := h["createdAt"]; ok {
		j.CreatedAt = *fromUnixMsOrZero(ms)
	}
	if ms, ok := h["updatedAt"]; ok {
		j.UpdatedAt = *fromUnixMsOrZero(ms)
	}
	return j
}

func fromUnixMsOrZero(s string) *time.Time {
	if t := fromUnixMs(s); t != nil {
		return t
	}
	zero := time.Time{}
	return &zero
}
