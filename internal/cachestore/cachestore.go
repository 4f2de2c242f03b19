// Package cachestore wraps Redis for payload staging, in-flight upload locks,
// and rate-limit counters.
package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"permabundle/internal/config"
	"permabundle/internal/errs"
)

// releaseScript deletes a lock key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is the cache surface the upload service depends on.
type Store interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// AcquireLock takes an owner-scoped lock. Returns errs.KindInProgress when
	// another owner already holds it.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, owner string) error
	// Incr bumps a windowed counter and returns the new count. The window TTL
	// is set only when the counter is created.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type store struct {
	client *redis.Client
}

// New connects to Redis using the service configuration.
func New(cfg *config.RedisConfig) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "redis ping failed", err)
	}
	return &store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client) Store {
	return &store{client: client}
}

func (s *store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.Newf(errs.KindBadRequest, "cache key %s not found", key)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "cache get failed", err)
	}
	return val, nil
}

func (s *store) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Wrap(errs.KindUnavailable, "cache set failed", err)
	}
	return nil
}

func (s *store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errs.Wrap(errs.KindUnavailable, "cache delete failed", err)
	}
	return nil
}

func (s *store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "lock acquire failed", err)
	}
	if !ok {
		return errs.Newf(errs.KindInProgress, "upload already in progress for %s", key)
	}
	return nil
}

func (s *store) ReleaseLock(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errs.Wrap(errs.KindUnavailable, "lock release failed", err)
	}
	return nil
}

func (s *store) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "counter incr failed", err)
	}
	return incr.Val(), nil
}

func (s *store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *store) Close() error {
	return s.client.Close()
}
