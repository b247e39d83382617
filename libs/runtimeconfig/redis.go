package runtimeconfig

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "paycore:runtime:"
	poolCapacityKey    = "pool_capacity"
)

// RedisSource keeps desired pool capacities in a single hash:
// <prefix>pool_capacity, field = pool name, value = capacity.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSource{client: client, prefix: prefix}
}

func (s *RedisSource) key() string {
	return s.prefix + poolCapacityKey
}

func (s *RedisSource) PoolCapacities(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("read pool capacities: %w", err)
	}
	return values, nil
}

func (s *RedisSource) SetPoolCapacity(ctx context.Context, pool string, capacity int) error {
	if pool == "" {
		return fmt.Errorf("pool name is required")
	}
	if capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if err := s.client.HSet(ctx, s.key(), pool, strconv.Itoa(capacity)).Err(); err != nil {
		return fmt.Errorf("write pool capacity: %w", err)
	}
	return nil
}
