package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekeep.dev/internal/provider"
)

// RedisClient is the subset of go-redis used by Redis.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Backend shared between server replicas.
type Redis struct {
	client RedisClient
}

// NewRedis wraps a go-redis client.
func NewRedis(client RedisClient) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key string) (provider.Record, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec provider.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode cached record: %w", err)
	}
	return rec, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, rec provider.Record, ttl time.Duration) error {
	data, err := json.Marshal(encodable(rec))
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// encodable turns byte columns into strings so they survive JSON.
func encodable(rec provider.Record) provider.Record {
	out := rec.Clone()
	for k, v := range out {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)
		}
	}
	return out
}
