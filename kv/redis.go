package kv

import (
	"context"
	"time"

	"github.com/go-redis/redis"
)

// RedisAdapter wraps a go-redis v6 client to satisfy Adapter. v6 predates
// context-first method signatures (its commands take no context.Context
// argument at all); every method here checks ctx.Err() before issuing the
// call so callers get the usual cancellation/timeout behavior the rest of
// this module's interfaces promise, without depending on a newer major
// that the rest of the pack never imports.
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter wraps an already-configured *redis.Client.
func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := r.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.client.Set(key, value, ttl).Err()
}

func (r *RedisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.client.SetNX(key, value, ttl).Result()
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.client.Del(key).Err()
}

func (r *RedisAdapter) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
