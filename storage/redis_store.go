// storage/redis_store.go
package storage

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func newRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisBackend 键为 prefix:namespace:key，不设过期
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "allsky"
	}
	return &RedisBackend{
		client: newRedisClient(cfg),
		prefix: prefix,
	}
}

func (s *RedisBackend) key(namespace, key string) string {
	return s.prefix + ":" + namespace + ":" + key
}

func (s *RedisBackend) Prepare(ctx context.Context, namespace string) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return data, err
}

func (s *RedisBackend) Put(ctx context.Context, namespace, key string, value []byte) error {
	return s.client.Set(ctx, s.key(namespace, key), value, 0).Err()
}

// PutMany 使用 MULTI/EXEC 一次提交
func (s *RedisBackend) PutMany(ctx context.Context, namespace string, values map[string][]byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range values {
			pipe.Set(ctx, s.key(namespace, key), value, 0)
		}
		return nil
	})
	return err
}

func (s *RedisBackend) Delete(ctx context.Context, namespace, key string) error {
	return s.client.Del(ctx, s.key(namespace, key)).Err()
}

func (s *RedisBackend) Close() error {
	return s.client.Close()
}
