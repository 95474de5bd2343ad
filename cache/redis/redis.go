// Package redis provides a Redis-backed cache.Backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditledger/cache"
)

// Backend stores cache entries as plain Redis strings with a TTL.
type Backend struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ cache.Backend = (*Backend)(nil)

// Option configures Backend.
type Option func(*Backend)

// WithKeyPrefix sets the Redis key prefix (default "creditledger:cache:").
func WithKeyPrefix(prefix string) Option {
	return func(b *Backend) { b.keyPrefix = prefix }
}

// New creates a new Redis-backed cache backend.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Backend {
	b := &Backend{
		client:    client,
		keyPrefix: "creditledger:cache:",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) key(k string) string {
	return b.keyPrefix + k
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("creditledger/cache/redis: get: %w", err)
	}
	return v, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("creditledger/cache/redis: set: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("creditledger/cache/redis: delete: %w", err)
	}
	return nil
}
