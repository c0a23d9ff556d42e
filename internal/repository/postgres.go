package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_records (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, key)
)`

// PostgresStore implements KVStore on a single jsonb table.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ KVStore = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// EnsureSchema creates the backing table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, kvSchema); err != nil {
		return fmt.Errorf("create kv schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	const query = `SELECT value FROM kv_records WHERE collection = $1 AND key = $2`
	var value []byte
	if err := s.db.QueryRow(ctx, query, collection, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", collection, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, key string, value []byte) error {
	const query = `
INSERT INTO kv_records (collection, key, value, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (collection, key) DO UPDATE SET
	value = EXCLUDED.value,
	updated_at = NOW()`
	if _, err := s.db.Exec(ctx, query, collection, key, value); err != nil {
		return fmt.Errorf("set %s: %w", collection, err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, collection, key string) error {
	const query = `DELETE FROM kv_records WHERE collection = $1 AND key = $2`
	if _, err := s.db.Exec(ctx, query, collection, key); err != nil {
		return fmt.Errorf("remove %s: %w", collection, err)
	}
	return nil
}

func (s *PostgresStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	const query = `SELECT key, value FROM kv_records WHERE collection = $1 ORDER BY key`
	rows, err := s.db.Query(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return records, nil
}
