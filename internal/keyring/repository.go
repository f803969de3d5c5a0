package keyring

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the cache key prefix the ring document is stored under.
const DefaultKeyPrefix = "DataProtection-Keys"

// Repository stores the serialized key ring. CreateIfAbsent must be atomic.
type Repository interface {
	Load(ctx context.Context, name string) (string, bool, error)
	CreateIfAbsent(ctx context.Context, name, value string) (bool, error)
}

// RedisRepository keeps the key ring in Redis.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRepository(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{client: client, prefix: DefaultKeyPrefix}
}

func (r *RedisRepository) key(name string) string {
	return r.prefix + ":" + name
}

func (r *RedisRepository) Load(ctx context.Context, name string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// CreateIfAbsent uses SETNX so that only the first writer wins.
func (r *RedisRepository) CreateIfAbsent(ctx context.Context, name, value string) (bool, error) {
	return r.client.SetNX(ctx, r.key(name), value, 0).Result()
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
