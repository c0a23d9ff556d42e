package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/tpp-broker/internal/bootstrap"
	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

func run(t *testing.T, kv repository.KVStore, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SOFTWARE_STATEMENT_ID", "ssa-1")

	open := func(context.Context, config.Config) (*bootstrap.Stores, error) {
		return &bootstrap.Stores{KV: kv}, nil
	}
	root := newRootCmd(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedDirectory(t *testing.T, kv repository.KVStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"Id":"A","CustomerFriendlyName":"Alpha","OBOrganisationId":"org-a"}]`), 0o600))

	out, err := run(t, kv, "import-directory", path)
	require.NoError(t, err)
	require.Contains(t, out, "imported 1 authorisation servers")
}

func loadServer(t *testing.T, kv repository.KVStore, id string) *domain.AuthorisationServer {
	t.Helper()
	server, err := repository.GetJSON[domain.AuthorisationServer](context.Background(), kv, repository.CollectionAuthorisationServers, id)
	require.NoError(t, err)
	require.NotNil(t, server)
	return server
}

func TestImportAndList(t *testing.T) {
	kv := repository.NewMemoryStore()
	seedDirectory(t, kv)

	out, err := run(t, kv, "list")
	require.NoError(t, err)
	require.Contains(t, out, "Alpha")
	require.True(t, strings.HasPrefix(out, "ID"))
}

func TestAddClientCredentialsUsesEnvSoftwareStatement(t *testing.T) {
	kv := repository.NewMemoryStore()
	seedDirectory(t, kv)

	_, err := run(t, kv, "add-client-credentials", "A", "--client-id", "cid", "--client-secret", "csec")
	require.NoError(t, err)
	_, err = run(t, kv, "add-client-credentials", "A", "--client-id", "cid2", "--client-secret", "csec2")
	require.NoError(t, err)

	server := loadServer(t, kv, "A")
	require.Len(t, server.ClientCredentials, 1)
	require.Equal(t, domain.ClientCredentials{SoftwareStatementID: "ssa-1", ClientID: "cid2", ClientSecret: "csec2"}, server.ClientCredentials[0])
}

func TestAddClientCredentialsUnknownServer(t *testing.T) {
	_, err := run(t, repository.NewMemoryStore(), "add-client-credentials", "Z", "--client-id", "cid")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestRegisterConfig(t *testing.T) {
	kv := repository.NewMemoryStore()
	seedDirectory(t, kv)

	_, err := run(t, kv, "register-config", "A", "--field", "request_object_signing_alg", "--value", "PS256")
	require.NoError(t, err)
	_, err = run(t, kv, "register-config", "A", "--field", "token_endpoint_auth_method", "--value", "client_secret_basic")
	require.NoError(t, err)

	server := loadServer(t, kv, "A")
	require.Len(t, server.RegisteredConfigs, 1)
	require.Equal(t, []string{"PS256"}, server.RegisteredConfigs[0].RequestObjectSigningAlg)
	require.Equal(t, "client_secret_basic", server.RegisteredConfigs[0].TokenEndpointAuthMethod)

	_, err = run(t, kv, "register-config", "A", "--field", "unknown", "--value", "x")
	require.Error(t, err)
}

func TestFieldValue(t *testing.T) {
	require.Equal(t, `["PS256","RS256"]`, string(fieldValue(`["PS256","RS256"]`)))
	require.Equal(t, `"PS256"`, string(fieldValue("PS256")))
}

func TestSessionCreate(t *testing.T) {
	kv := repository.NewMemoryStore()

	out, err := run(t, kv, "session", "create", "alice")
	require.NoError(t, err)
	sid := strings.TrimSpace(out)

	sess, err := repository.GetJSON[domain.Session](context.Background(), kv, repository.CollectionSessions, sid)
	require.NoError(t, err)
	require.Equal(t, "alice", sess.Username)
}
