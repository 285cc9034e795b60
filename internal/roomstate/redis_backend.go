package roomstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "roomstate:"

// RedisStateBackend stores each scope under roomstate:<scope>:workspace-state
// with no expiry.
type RedisStateBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisStateBackend(redisURL string) (StateBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStateBackendWithClient(client), nil
}

func NewRedisStateBackendWithClient(client *redis.Client) *RedisStateBackend {
	return &RedisStateBackend{client: client, prefix: redisKeyPrefix}
}

func (b *RedisStateBackend) key(scope string) string {
	return b.prefix + scope + ":" + StateKey
}

func (b *RedisStateBackend) Load(ctx context.Context, scope string) ([]byte, error) {
	payload, err := b.client.Get(ctx, b.key(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return payload, nil
}

func (b *RedisStateBackend) Save(ctx context.Context, scope string, payload []byte) error {
	if err := b.client.Set(ctx, b.key(scope), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisStateBackend) Close() error {
	return b.client.Close()
}
