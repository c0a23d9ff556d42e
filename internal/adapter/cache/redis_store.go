package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/tpp-broker/internal/repository"
)

const defaultKeyPrefix = "tpp:"

// RedisStore implements KVStore with one Redis hash per collection.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ repository.KVStore = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed store. An empty prefix uses "tpp:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) hash(collection string) string {
	return s.prefix + collection
}

// Get loads one field of the collection hash.
func (s *RedisStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.hash(collection), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	return value, nil
}

// Set overwrites one field of the collection hash.
func (s *RedisStore) Set(ctx context.Context, collection, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hash(collection), key, value).Err(); err != nil {
		return fmt.Errorf("persist %s: %w", collection, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, collection, key string) error {
	if err := s.client.HDel(ctx, s.hash(collection), key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete %s: %w", collection, err)
	}
	return nil
}

// GetAll returns every field of the collection ordered by key.
func (s *RedisStore) GetAll(ctx context.Context, collection string) ([]repository.Record, error) {
	values, err := s.client.HGetAll(ctx, s.hash(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	records := make([]repository.Record, 0, len(values))
	for k, v := range values {
		records = append(records, repository.Record{Key: k, Value: []byte(v)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}
