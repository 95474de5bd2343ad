// Package cache memoizes the results of expensive read operations.
//
// Wrap turns any func(ctx, K) (V, error) into a cached version. Values are
// stored as JSON in a Backend under the key returned by the key function.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrMiss is returned by a Backend when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Backend stores opaque values with a time to live.
type Backend interface {
	// Get returns ErrMiss when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Func is the shape of a cacheable operation.
type Func[K, V any] func(ctx context.Context, arg K) (V, error)

// Option configures Wrap.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Wrap returns fn with its results cached in backend for ttl.
//
// Backend read failures and undecodable entries count as misses; write
// failures are logged and otherwise ignored. Errors returned by fn are never
// cached. An empty key bypasses the cache.
func Wrap[K, V any](backend Backend, ttl time.Duration, keyFn func(K) string, fn Func[K, V], opts ...Option) Func[K, V] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return func(ctx context.Context, arg K) (V, error) {
		key := keyFn(arg)
		if key == "" {
			return fn(ctx, arg)
		}

		raw, err := backend.Get(ctx, key)
		switch {
		case err == nil:
			var v V
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
			o.logger.Warn("cache entry undecodable", "key", key)
		case !errors.Is(err, ErrMiss):
			o.logger.Warn("cache read failed", "key", key, "error", err)
		}

		v, err := fn(ctx, arg)
		if err != nil {
			return v, err
		}

		data, err := json.Marshal(v)
		if err != nil {
			o.logger.Warn("cache encode failed", "key", key, "error", err)
			return v, nil
		}
		if err := backend.Set(ctx, key, data, ttl); err != nil {
			o.logger.Warn("cache write failed", "key", key, "error", err)
		}
		return v, nil
	}
}
