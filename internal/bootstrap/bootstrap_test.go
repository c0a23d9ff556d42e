package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/domain"
)

type recordingStore struct{ records []domain.DirectoryRecord }

func (s *recordingStore) StoreAuthorisationServers(_ context.Context, records []domain.DirectoryRecord) error {
	s.records = append(s.records, records...)
	return nil
}

func TestImportDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"Id":"A","BaseApiDNSUri":"https://a.example","CustomerFriendlyName":"Alpha","OpenIDConfigEndPointUri":"https://a.example/.well-known/openid-configuration","OBOrganisationId":"org-a"},
		{"Id":"B","CustomerFriendlyName":"Beta"}
	]`), 0o600))

	store := &recordingStore{}
	n, err := ImportDirectory(context.Background(), store, path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "org-a", store.records[0].OBOrganisationID)
	require.Equal(t, "Beta", store.records[1].CustomerFriendlyName)
}

func TestImportDirectoryRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"a list"}`), 0o600))

	_, err := ImportDirectory(context.Background(), &recordingStore{}, path)
	require.ErrorContains(t, err, "decode directory file")

	_, err = ImportDirectory(context.Background(), &recordingStore{}, filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "read directory file")
}

func TestOpenStoresMemory(t *testing.T) {
	stores, err := OpenStores(context.Background(), config.Config{StoreDriver: config.StoreMemory})
	require.NoError(t, err)
	require.NotNil(t, stores.KV)
	require.Nil(t, stores.Redis)
	require.NoError(t, stores.Close())
}

func TestOpenStoresRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	stores, err := OpenStores(context.Background(), config.Config{StoreDriver: config.StoreRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	require.NotNil(t, stores.Redis)

	require.NoError(t, stores.KV.Set(context.Background(), "sessions", "s1", []byte(`{"sid":"s1"}`)))
	raw, err := stores.KV.Get(context.Background(), "sessions", "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"sid":"s1"}`, string(raw))
	require.NoError(t, stores.Close())
}

func TestOpenStoresRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenStores(context.Background(), config.Config{StoreDriver: config.StoreRedis, RedisAddr: addr})
	require.ErrorContains(t, err, "redis ping")
}
