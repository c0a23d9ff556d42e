package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	cacheadapter "github.com/smallbiznis/tpp-broker/internal/adapter/cache"
	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

const redisKeyPrefix = "tpp-broker"

// Stores holds the opened persistence backends. Redis is nil unless the
// redis driver is selected.
type Stores struct {
	KV    repository.KVStore
	Redis redis.UniversalClient

	closers []func() error
}

// Close releases every opened backend.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// OpenStores connects the configured KV driver.
func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return &Stores{KV: repository.NewMemoryStore()}, nil
	case config.StorePostgres:
		return openPostgres(ctx, cfg)
	default:
		return openRedis(ctx, cfg)
	}
}

func openRedis(ctx context.Context, cfg config.Config) (*Stores, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Stores{
		KV:      cacheadapter.NewRedisStore(client, redisKeyPrefix),
		Redis:   client,
		closers: []func() error{client.Close},
	}, nil
}

func openPostgres(ctx context.Context, cfg config.Config) (*Stores, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store := repository.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Stores{
		KV: store,
		closers: []func() error{func() error {
			pool.Close()
			return nil
		}},
	}, nil
}
