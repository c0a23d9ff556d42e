package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collections used by the broker.
const (
	CollectionAuthorisationServers = "aspspAuthorisationServers"
	CollectionConsents             = "authorisationServerUserConsents"
	CollectionPayments             = "payments"
	CollectionSessions             = "sessions"
)

// Record is one stored value.
type Record struct {
	Key   string
	Value []byte
}

// KVStore is the collection+key persistence used by every component.
// Get returns nil, nil when the key does not exist.
type KVStore interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Set(ctx context.Context, collection, key string, value []byte) error
	Remove(ctx context.Context, collection, key string) error
	GetAll(ctx context.Context, collection string) ([]Record, error)
}

// GetJSON loads and decodes a value. It returns nil, nil when absent.
func GetJSON[T any](ctx context.Context, store KVStore, collection, key string) (*T, error) {
	raw, err := store.Get(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return &out, nil
}

// SetJSON encodes and stores a value.
func SetJSON(ctx context.Context, store KVStore, collection, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return store.Set(ctx, collection, key, raw)
}

// GetAllJSON decodes every value of a collection.
func GetAllJSON[T any](ctx context.Context, store KVStore, collection string) ([]T, error) {
	records, err := store.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
