package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"aire/internal/constants"
	"aire/pkg/metrics"
)

// advanceScript sets KEYS[1] to ARGV[1] only if that moves it forward.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or tonumber(ARGV[1]) > tonumber(cur) then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.CheckpointKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(group string, partition int) string {
	return s.prefix + group + ":" + strconv.Itoa(partition)
}

func (s *RedisStore) Load(ctx context.Context, group string, partition int) (int64, bool, error) {
	start := time.Now()
	val, err := s.client.Get(ctx, s.key(group, partition)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveDatabaseQuery(constants.DatabaseRedis, "checkpoint_load", nil, time.Since(start))
		return 0, false, nil
	}
	metrics.ObserveDatabaseQuery(constants.DatabaseRedis, "checkpoint_load", err, time.Since(start))
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s/%d: %w", group, partition, err)
	}

	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt checkpoint %s/%d value %q: %w", group, partition, val, err)
	}
	return offset, true, nil
}

func (s *RedisStore) Commit(ctx context.Context, group string, partition int, offset int64) error {
	start := time.Now()
	err := advanceScript.Run(ctx, s.client, []string{s.key(group, partition)}, offset).Err()
	metrics.ObserveDatabaseQuery(constants.DatabaseRedis, "checkpoint_commit", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("commit checkpoint %s/%d: %w", group, partition, err)
	}
	return nil
}
