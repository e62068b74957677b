package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultScanCount = 100

// Redis implements [Client] on a shared Redis instance.
type Redis struct {
	client    redis.UniversalClient
	scanCount int64
}

// NewRedis wraps a go-redis client. scanCount bounds how many keys a single
// SCAN page may visit during DeleteMatching; pass 0 for the default.
func NewRedis(client redis.UniversalClient, scanCount int) *Redis {
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}

	return &Redis{
		client:    client,
		scanCount: int64(scanCount),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}

	return value, true, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	return nil
}

// DeleteMatching walks the keyspace with SCAN/MATCH in pages of scanCount and
// deletes each page in one DEL. SCAN is cursor-based, so concurrent writers
// are never blocked the way a KEYS call would block them.
func (r *Redis) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			removed, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete matching %q: %w", pattern, err)
			}
			deleted += int(removed)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
