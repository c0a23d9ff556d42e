package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

type fakeDiscovery struct {
	mu      sync.Mutex
	configs map[string]*domain.OpenIDConfig
	errs    map[string]error
	calls   int32
}

func (f *fakeDiscovery) FetchOpenIDConfig(_ context.Context, uri string) (*domain.OpenIDConfig, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[uri]; err != nil {
		return nil, err
	}
	cfg, ok := f.configs[uri]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *cfg
	return &copied, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDiscovery) {
	t.Helper()
	discovery := &fakeDiscovery{
		configs: map[string]*domain.OpenIDConfig{
			"https://a.example/.well-known/openid-configuration": {
				Issuer:                        "https://a.example",
				AuthorizationEndpoint:         "https://a.example/authorize",
				TokenEndpoint:                 "https://a.example/token",
				RequestObjectSigningAlgValues: []string{"RS256", "PS256"},
			},
		},
		errs: map[string]error{},
	}
	reg := New(repository.NewMemoryStore(), discovery, zap.NewNop())
	require.NoError(t, reg.StoreAuthorisationServers(context.Background(), []domain.DirectoryRecord{{
		ID:                      "A",
		BaseAPIDNSURI:           "http://aaa.example.com/some/path/open-banking/v1.1",
		CustomerFriendlyName:    "AAA Example Bank",
		CustomerFriendlyLogoURI: "https://a.example/logo.png",
		OpenIDConfigEndpointURI: "https://a.example/.well-known/openid-configuration",
		OBOrganisationID:        "aaa-org",
	}}))
	return reg, discovery
}

func TestUnknownServerAccessorsFailNotConfigured(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.ResolveConfig(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotConfigured)

	_, err = reg.ClientCredentialsFor(ctx, "missing", "ssa")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
	require.EqualError(t, err, "clientCredentials not found for missing, ssa")

	_, err = reg.OpenIDValue(ctx, "missing", domain.OpenIDTokenEndpoint)
	require.ErrorIs(t, err, domain.ErrNotConfigured)
	require.Contains(t, err.Error(), "token_endpoint for auth server missing not found")

	_, err = reg.ResourceAPIBase(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotConfigured)

	_, err = reg.FapiFinancialID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestResourceAPIBaseStripsVersionedPath(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base, err := reg.ResourceAPIBase(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, "http://aaa.example.com/some/path", base)

	for in, want := range map[string]string{
		"http://bbb.example.com":                      "http://bbb.example.com",
		"http://bbb.example.com/":                     "http://bbb.example.com",
		"http://bbb.example.com/open-banking":         "http://bbb.example.com",
		"http://bbb.example.com/open-banking/v3.1/":   "http://bbb.example.com",
		"http://bbb.example.com/open-banking-sandbox": "http://bbb.example.com/open-banking-sandbox",
	} {
		require.NoError(t, reg.StoreAuthorisationServers(context.Background(), []domain.DirectoryRecord{{ID: "B", BaseAPIDNSURI: in}}))
		got, err := reg.ResourceAPIBase(context.Background(), "B")
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
}

func TestOpenIDValueFetchesLazilyAndCaches(t *testing.T) {
	reg, discovery := newTestRegistry(t)
	ctx := context.Background()

	endpoint, err := reg.TokenEndpoint(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "https://a.example/token", endpoint)

	issuer, err := reg.Issuer(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "https://a.example", issuer)

	authz, err := reg.AuthorisationEndpoint(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "https://a.example/authorize", authz)

	require.EqualValues(t, 1, atomic.LoadInt32(&discovery.calls))
}

func TestOpenIDValueMissingKey(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.OpenIDValue(context.Background(), "A", "jwks_uri")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
	require.EqualError(t, err, "jwks_uri for auth server A not found")
}

func TestUpsertClientCredentialsNeverDuplicates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.UpsertClientCredentials(ctx, "A", domain.ClientCredentials{SoftwareStatementID: "ssa", ClientID: "cid", ClientSecret: "one"}))
	require.NoError(t, reg.UpsertClientCredentials(ctx, "A", domain.ClientCredentials{SoftwareStatementID: "ssa", ClientID: "cid", ClientSecret: "two"}))

	server, err := reg.ResolveConfig(ctx, "A")
	require.NoError(t, err)
	require.Len(t, server.ClientCredentials, 1)

	creds, err := reg.ClientCredentialsFor(ctx, "A", "ssa")
	require.NoError(t, err)
	require.Equal(t, "two", creds.ClientSecret)

	_, err = reg.ClientCredentialsFor(ctx, "A", "other-ssa")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestSigningAlgorithmsPreferRegisteredConfig(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	algs, err := reg.SigningAlgorithmsFor(ctx, "A", "ssa")
	require.NoError(t, err)
	require.Equal(t, []string{"RS256", "PS256"}, algs)

	require.NoError(t, reg.UpsertRegisteredConfig(ctx, "A", domain.RegisteredConfig{SoftwareStatementID: "ssa", RequestObjectSigningAlg: []string{"PS256"}}))
	require.NoError(t, reg.UpsertRegisteredConfig(ctx, "A", domain.RegisteredConfig{SoftwareStatementID: "ssa", RequestObjectSigningAlg: []string{"ES256"}}))

	algs, err = reg.SigningAlgorithmsFor(ctx, "A", "ssa")
	require.NoError(t, err)
	require.Equal(t, []string{"ES256"}, algs)

	server, err := reg.ResolveConfig(ctx, "A")
	require.NoError(t, err)
	require.Len(t, server.RegisteredConfigs, 1)
}

func TestStoreAuthorisationServersKeepsCredentials(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.UpsertClientCredentials(ctx, "A", domain.ClientCredentials{SoftwareStatementID: "ssa", ClientID: "cid"}))

	require.NoError(t, reg.StoreAuthorisationServers(ctx, []domain.DirectoryRecord{{
		ID:                      "A",
		CustomerFriendlyName:    "Renamed Bank",
		OpenIDConfigEndpointURI: "https://a.example/.well-known/openid-configuration",
	}}))

	server, err := reg.ResolveConfig(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "Renamed Bank", server.DirectoryConfig.CustomerFriendlyName)
	require.Len(t, server.ClientCredentials, 1)
}

func TestForClientSortsByName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.StoreAuthorisationServers(ctx, []domain.DirectoryRecord{
		{ID: "Z", CustomerFriendlyName: "zed bank"},
		{ID: "B", CustomerFriendlyName: "BBB Example Bank"},
	}))

	views, err := reg.ForClient(ctx)
	require.NoError(t, err)
	require.Len(t, views, 3)
	require.Equal(t, []string{"A", "B", "Z"}, []string{views[0].ID, views[1].ID, views[2].ID})
	require.Equal(t, "aaa-org", views[0].OrgID)
}

func TestRefreshOpenIDConfigsIsolatesFailures(t *testing.T) {
	reg, discovery := newTestRegistry(t)
	ctx := context.Background()
	discovery.errs["https://broken.example/.well-known/openid-configuration"] = errors.New("boom")
	require.NoError(t, reg.StoreAuthorisationServers(ctx, []domain.DirectoryRecord{
		{ID: "broken", OpenIDConfigEndpointURI: "https://broken.example/.well-known/openid-configuration"},
	}))

	require.NoError(t, reg.RefreshOpenIDConfigs(ctx))

	good, err := reg.ResolveConfig(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, good.OpenIDConfig)

	bad, err := reg.ResolveConfig(ctx, "broken")
	require.NoError(t, err)
	require.Nil(t, bad.OpenIDConfig)
}

func TestRefreshOpenIDConfigKeepsCacheOnFailure(t *testing.T) {
	reg, discovery := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.TokenEndpoint(ctx, "A")
	require.NoError(t, err)

	discovery.mu.Lock()
	discovery.errs["https://a.example/.well-known/openid-configuration"] = errors.New("down")
	discovery.mu.Unlock()

	require.Error(t, reg.RefreshOpenIDConfig(ctx, "A"))
	endpoint, err := reg.TokenEndpoint(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "https://a.example/token", endpoint)
}

func TestHTTPDiscoveryClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"https://x","token_endpoint":"https://x/token","request_object_signing_alg_values_supported":["PS256"]}`))
	}))
	defer srv.Close()

	client := NewHTTPDiscoveryClient(srv.Client())
	cfg, err := client.FetchOpenIDConfig(context.Background(), srv.URL+"/.well-known/openid-configuration")
	require.NoError(t, err)
	require.Equal(t, "https://x/token", cfg.TokenEndpoint)
	require.Equal(t, []string{"PS256"}, cfg.RequestObjectSigningAlgValues)

	_, err = client.FetchOpenIDConfig(context.Background(), srv.URL+"/missing")
	require.ErrorIs(t, err, domain.ErrUpstreamRejected)
	require.Equal(t, http.StatusNotFound, domain.StatusOf(err))
}
