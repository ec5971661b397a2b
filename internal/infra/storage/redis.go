package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client redis.Cmdable
}

// NewRedisStore Redis 存储；条目不设过期，授权签名的有效期由内容自身决定
func NewRedisStore(client redis.Cmdable, prefix, network string) *Store {
	return newStore(&redisBackend{client: client}, prefix, network)
}

func (r *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (r *redisBackend) set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *redisBackend) del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
