package redisqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eclaire-labs/eclaire/internal/queue"
)

// ScheduleStore implements queue.ScheduleStore over a Redis hash per
// schedule plus a single sorted set (scored by nextRunAt) for efficient
// due-schedule lookups, mirroring BullMQ's own repeatable-job bookkeeping.
type ScheduleStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewScheduleStore(rdb redis.UniversalClient, prefix string) *ScheduleStore {
	return &ScheduleStore{rdb: rdb, prefix: prefix}
}

var _ queue.ScheduleStore = (*ScheduleStore)(nil)

func (s *ScheduleStore) dueSet() string      { return s.prefix + ":schedules:due" }
func (s *ScheduleStore) hash(key string) string { return s.prefix + ":schedule:" + key }

func (s *ScheduleStore) Upsert(ctx context.Context, sch queue.Schedule) error {
	h := s.hash(sch.Key)
	enabled := "0"
	if sch.Enabled {
		enabled = "1"
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, h,
		"key", sch.Key, "queue", sch.Queue, "cron", sch.Cron,
		"data", toJSON(sch.Data), "enabled", enabled, "nextRunAt", unixMs(sch.NextRunAt))
	if sch.LastRunAt != nil {
		pipe.HSet(ctx, h, "lastRunAt", unixMs(*sch.LastRunAt))
	}
	if sch.Enabled {
		pipe.ZAdd(ctx, s.dueSet(), redis.Z{Score: float64(unixMs(sch.NextRunAt)), Member: sch.Key})
	} else {
		pipe.ZRem(ctx, s.dueSet(), sch.Key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *ScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]queue.Schedule, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, s.dueSet(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(unixMs(now), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]queue.Schedule, 0, len(keys))
	for _, key := range keys {
		h, err := s.rdb.HGetAll(ctx, s.hash(key)).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		out = append(out, queue.Schedule{
			Key:       h["key"],
			Queue:     h["queue"],
			Cron:      h["cron"],
			Data:      mapFromJSON(h["data"]),
			Enabled:   h["enabled"] == "1",
			LastRunAt: fromUnixMs(h["lastRunAt"]),
			NextRunAt: *fromUnixMsOrZero(h["nextRunAt"]),
		})
	}
	return out, nil
}

func (s *ScheduleStore) Advance(ctx context.Context, key string, lastRunAt time.Time, nextRunAt time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.hash(key), "lastRunAt", unixMs(lastRunAt), "nextRunAt", unixMs(nextRunAt))
	pipe.ZAdd(ctx, s.dueSet(), redis.Z{Score: float64(unixMs(nextRunAt)), Member: key})
	_, err := pipe.Exec(ctx)
	return err
}
