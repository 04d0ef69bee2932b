package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/streamer-status/internal/config"
	"github.com/weiawesome/streamer-status/internal/domain"
)

var (
	ErrCacheMiss    = errors.New("cache miss")
	ErrStaleListing = errors.New("listing invalidated since read")
)

// setListingScript stores the listing only while the generation read
// before the fill is still current.
var setListingScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[1]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// Dial opens a Redis client and verifies it with a ping.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type RedisStatusCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStatusCache(client redis.UniversalClient, prefix string) *RedisStatusCache {
	return &RedisStatusCache{client: client, prefix: prefix}
}

func (c *RedisStatusCache) listingKey() string {
	return c.prefix + ":streamers"
}

func (c *RedisStatusCache) generationKey() string {
	return c.listingKey() + ":gen"
}

func (c *RedisStatusCache) observationKey(streamerID string, p domain.Platform) string {
	return fmt.Sprintf("%s:observation:%s:%s", c.prefix, streamerID, p)
}

func (c *RedisStatusCache) GetListing(ctx context.Context) ([]*domain.Streamer, error) {
	var out []*domain.Streamer
	if err := c.get(ctx, c.listingKey(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RedisStatusCache) ListingGeneration(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get from redis: %w", err)
	}
	return gen, nil
}

func (c *RedisStatusCache) SetListing(ctx context.Context, streamers []*domain.Streamer, generation int64, ttl time.Duration) error {
	data, err := json.Marshal(streamers)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	keys := []string{c.generationKey(), c.listingKey()}
	stored, err := setListingScript.Run(ctx, c.client, keys, generation, data, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	if stored == 0 {
		return ErrStaleListing
	}
	return nil
}

func (c *RedisStatusCache) InvalidateListing(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.generationKey())
		pipe.Del(ctx, c.listingKey())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate listing: %w", err)
	}
	return nil
}

func (c *RedisStatusCache) GetObservation(ctx context.Context, streamerID string, p domain.Platform) (*domain.Observation, error) {
	var obs domain.Observation
	if err := c.get(ctx, c.observationKey(streamerID, p), &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

func (c *RedisStatusCache) SetObservation(ctx context.Context, streamerID string, obs domain.Observation, ttl time.Duration) error {
	return c.set(ctx, c.observationKey(streamerID, obs.Platform), obs, ttl)
}

func (c *RedisStatusCache) get(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get from redis: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return nil
}

func (c *RedisStatusCache) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}
