package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/streambus"
)

const (
	cronSchedulePrefix = "Cron:Schedule:"
	cronHistoryPrefix  = "Cron:ExecutionHistory:"

	fieldExpression = "Expression"
	fieldSubject    = "Subject"
	fieldExecutedAt = "ExecutedAt"

	// executedAtLayout is followed by four digits of fractional seconds.
	executedAtLayout = "20060102150405"
)

// CronSchedules scans Cron:Schedule:* hashes.
func (s *Store) CronSchedules(ctx context.Context) ([]streambus.CronSchedule, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, cronSchedulePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)

	out := make([]streambus.CronSchedule, 0, len(keys))
	for _, key := range keys {
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if vals[fieldExpression] == "" || vals[fieldSubject] == "" {
			continue
		}
		out = append(out, streambus.CronSchedule{
			Name:       strings.TrimPrefix(key, cronSchedulePrefix),
			Expression: vals[fieldExpression],
			Subject:    vals[fieldSubject],
		})
	}
	return out, nil
}

func (s *Store) SaveCronSchedule(ctx context.Context, c streambus.CronSchedule) error {
	return s.client.HSet(ctx, cronSchedulePrefix+c.Name,
		fieldExpression, c.Expression,
		fieldSubject, c.Subject,
	).Err()
}

func (s *Store) RemoveCronSchedule(ctx context.Context, name string) error {
	return s.client.Del(ctx, cronSchedulePrefix+name, cronHistoryPrefix+name).Err()
}

// LastCronRun reads the newest ExecutedAt of the history stream.
func (s *Store) LastCronRun(ctx context.Context, name string) (time.Time, error) {
	msgs, err := s.client.XRevRangeN(ctx, cronHistoryPrefix+name, "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if len(msgs) == 0 {
		return time.Time{}, nil
	}
	return parseExecutedAt(asString(msgs[0].Values[fieldExecutedAt]))
}

func (s *Store) RecordCronRun(ctx context.Context, name string, at time.Time) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: cronHistoryPrefix + name,
		ID:     "*",
		MaxLen: s.cfg.CronHistoryLen,
		Values: map[string]any{fieldExecutedAt: formatExecutedAt(at)},
	}).Err()
}

func formatExecutedAt(t time.Time) string {
	t = t.UTC()
	return t.Format(executedAtLayout) + fmt.Sprintf("%04d", t.Nanosecond()/100000)
}

func parseExecutedAt(s string) (time.Time, error) {
	if len(s) < len(executedAtLayout) {
		return time.Time{}, fmt.Errorf("redisstream: bad ExecutedAt %q", s)
	}
	t, err := time.ParseInLocation(executedAtLayout, s[:len(executedAtLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("redisstream: bad ExecutedAt %q: %w", s, err)
	}
	if frac := s[len(executedAtLayout):]; frac != "" {
		var n int
		if _, err := fmt.Sscanf(frac, "%d", &n); err == nil {
			t = t.Add(time.Duration(n) * 100 * time.Microsecond)
		}
	}
	return t, nil
}
