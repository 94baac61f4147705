// Package cache is the short-lived response cache for position lookups. An in-process
// ristretto cache is used by default and redis when an address is configured.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/config"
)

// Cache stores serialized responses.
type Cache interface {
	// Get returns the value for key; ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Key is the cache key of a position response.
func Key(protocol, owner string) string {
	return fmt.Sprintf("positions:%s:%s", protocol, address.Normalize(owner))
}

// New returns a redis cache when cfg.Addr is set, otherwise a local one.
func New(cfg config.RedisConfig) (Cache, error) {
	if cfg.Addr != "" {
		return NewRedis(cfg), nil
	}
	return NewLocal()
}

// Local is an in-process cache.
type Local struct {
	c *ristretto.Cache
}

// NewLocal creates a local cache bounded to 32 MiB of values.
func NewLocal() (*Local, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating local cache: %w", err)
	}
	return &Local{c: c}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

// Set stores value. Writes become visible once the ristretto buffers are flushed, which
// Set waits for.
func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !l.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return errors.New("local cache rejected entry")
	}
	l.c.Wait()
	return nil
}

func (l *Local) Close() error {
	l.c.Close()
	return nil
}

// Redis is a cache shared between instances.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a redis backed cache.
func NewRedis(cfg config.RedisConfig) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
