//go:build integration

package repository_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/tpp-broker/internal/repository"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect db: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := setupDB(t)
	store := repository.NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	const collection = "integration-test"
	_, err := pool.Exec(ctx, `DELETE FROM kv_records WHERE collection = $1`, collection)
	require.NoError(t, err)

	missing, err := store.Get(ctx, collection, "absent")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Set(ctx, collection, "k1", []byte(`{"v":1}`)))
	require.NoError(t, store.Set(ctx, collection, "k1", []byte(`{"v":2}`)))
	require.NoError(t, store.Set(ctx, collection, "k2", []byte(`{"v":3}`)))

	got, err := store.Get(ctx, collection, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	all, err := store.GetAll(ctx, collection)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "k1", all[0].Key)

	require.NoError(t, store.Remove(ctx, collection, "k1"))
	got, err = store.Get(ctx, collection, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
