// Package cache adapts the Redis client to the dataflow cache port and
// serves snapshot reads for the fan-out layer.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fd1az/market-collector/business/dataflow/app"
)

// Ensure interface compliance.
var _ app.CacheStore = (*RedisStore)(nil)

// messageTypes enumerates the canonical type segment of cache keys.
var messageTypes = []string{"trade", "ticker", "depth", "kline"}

// RedisStore is the Redis-backed key/value store for latest messages.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an established Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Set stores a value, last-write-wins.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Snapshot returns the latest cached message per (symbol, type) for one
// exchange. Missing keys are skipped.
func (s *RedisStore) Snapshot(ctx context.Context, exchange string, symbols []string) (map[string]json.RawMessage, error) {
	keys := make([]string, 0, len(symbols)*len(messageTypes))
	for _, symbol := range symbols {
		for _, t := range messageTypes {
			keys = append(keys, fmt.Sprintf("%s:%s:%s", exchange, symbol, t))
		}
	}
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[keys[i]] = json.RawMessage(str)
		}
	}
	return out, nil
}
