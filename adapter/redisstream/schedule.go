package redisstream

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ScheduleAdd adds member to the sorted set key with ZADD.
func (s *Store) ScheduleAdd(ctx context.Context, key, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ScheduleHead reads the lowest scored member with ZRANGE 0 0 WITHSCORES.
func (s *Store) ScheduleHead(ctx context.Context, key string) (string, float64, bool, error) {
	res, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	return asString(res[0].Member), res[0].Score, true, nil
}

// ScheduleRemove removes exactly member with ZREM.
func (s *Store) ScheduleRemove(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
