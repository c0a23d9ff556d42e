package registry

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

const refreshConcurrency = 8

// versionedResourcePath matches a trailing /open-banking[/vX.Y] segment.
var versionedResourcePath = regexp.MustCompile(`/open-banking(/v[0-9]+(\.[0-9]+)*)?/?$`)

// Registry resolves institution configuration and credentials.
type Registry struct {
	store     repository.KVStore
	discovery DiscoveryClient
	logger    *zap.Logger
	now       func() time.Time
}

// New wires a Registry over store.
func New(store repository.KVStore, discovery DiscoveryClient, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	if discovery == nil {
		discovery = NewHTTPDiscoveryClient(nil)
	}
	return &Registry{store: store, discovery: discovery, logger: logger, now: time.Now}
}

func (r *Registry) load(ctx context.Context, id string) (*domain.AuthorisationServer, error) {
	server, err := repository.GetJSON[domain.AuthorisationServer](ctx, r.store, repository.CollectionAuthorisationServers, id)
	if err != nil {
		return nil, fmt.Errorf("load auth server: %w", err)
	}
	return server, nil
}

func (r *Registry) save(ctx context.Context, server *domain.AuthorisationServer) error {
	server.UpdatedAt = r.now().UTC()
	if err := repository.SetJSON(ctx, r.store, repository.CollectionAuthorisationServers, server.ID, server); err != nil {
		return fmt.Errorf("save auth server: %w", err)
	}
	return nil
}

// ResolveConfig returns the record for id.
func (r *Registry) ResolveConfig(ctx context.Context, id string) (*domain.AuthorisationServer, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.ValidationInput("authorisationServerId missing")
	}
	server, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, domain.NotConfigured("auth server %s not found", id)
	}
	return server, nil
}

// List returns all registered servers.
func (r *Registry) List(ctx context.Context) ([]domain.AuthorisationServer, error) {
	servers, err := repository.GetAllJSON[domain.AuthorisationServer](ctx, r.store, repository.CollectionAuthorisationServers)
	if err != nil {
		return nil, fmt.Errorf("list auth servers: %w", err)
	}
	return servers, nil
}

// ForClient lists servers as display entries sorted by name.
func (r *Registry) ForClient(ctx context.Context) ([]domain.AuthorisationServerView, error) {
	servers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]domain.AuthorisationServerView, 0, len(servers))
	for _, s := range servers {
		views = append(views, domain.AuthorisationServerView{
			ID:      s.ID,
			Name:    s.DirectoryConfig.CustomerFriendlyName,
			LogoURI: s.DirectoryConfig.CustomerFriendlyLogoURI,
			OrgID:   s.DirectoryConfig.OBOrganisationID,
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return strings.ToLower(views[i].Name) < strings.ToLower(views[j].Name)
	})
	return views, nil
}

// ClientCredentialsFor returns credentials issued to softwareStatementID.
func (r *Registry) ClientCredentialsFor(ctx context.Context, id, softwareStatementID string) (domain.ClientCredentials, error) {
	server, err := r.load(ctx, id)
	if err != nil {
		return domain.ClientCredentials{}, err
	}
	if server != nil {
		if creds, ok := server.CredentialsFor(softwareStatementID); ok && creds.ClientID != "" {
			return creds, nil
		}
	}
	return domain.ClientCredentials{}, domain.NotConfigured("clientCredentials not found for %s, %s", id, softwareStatementID)
}

// ResourceAPIBase is the base URI with any versioned /open-banking path removed.
func (r *Registry) ResourceAPIBase(ctx context.Context, id string) (string, error) {
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return "", err
	}
	base := strings.TrimSpace(server.DirectoryConfig.BaseAPIDNSURI)
	if base == "" {
		return "", domain.NotConfigured("BaseApiDNSUri for auth server %s not found", id)
	}
	return strings.TrimSuffix(versionedResourcePath.ReplaceAllString(base, ""), "/"), nil
}

// FapiFinancialID is the institution's organisation id.
func (r *Registry) FapiFinancialID(ctx context.Context, id string) (string, error) {
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return "", err
	}
	if server.DirectoryConfig.OBOrganisationID == "" {
		return "", domain.NotConfigured("fapiFinancialId for auth server %s not found", id)
	}
	return server.DirectoryConfig.OBOrganisationID, nil
}

// openIDConfig returns the cached discovery document, fetching it on first use.
func (r *Registry) openIDConfig(ctx context.Context, id string) (*domain.OpenIDConfig, error) {
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if server.OpenIDConfig != nil {
		return server.OpenIDConfig, nil
	}
	return r.fetchOpenIDConfig(ctx, server)
}

func (r *Registry) fetchOpenIDConfig(ctx context.Context, server *domain.AuthorisationServer) (*domain.OpenIDConfig, error) {
	uri := server.DirectoryConfig.OpenIDConfigEndpointURI
	if uri == "" {
		return nil, domain.NotConfigured("OpenIDConfigEndPointUri for auth server %s not found", server.ID)
	}
	cfg, err := r.discovery.FetchOpenIDConfig(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch openid config for %s: %w", server.ID, err)
	}

	// reload so concurrent credential updates are kept
	current, err := r.load(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = server
	}
	current.OpenIDConfig = cfg
	if err := r.save(ctx, current); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenIDValue returns a field of the institution's discovery document.
func (r *Registry) OpenIDValue(ctx context.Context, id, key string) (string, error) {
	cfg, err := r.openIDConfig(ctx, id)
	if err != nil {
		if domain.CodeOf(err) == string(domain.KindValidationInput) {
			return "", err
		}
		return "", &domain.Error{
			Kind:    domain.KindNotConfigured,
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("%s for auth server %s not found", key, id),
			Err:     err,
		}
	}
	value := cfg.Value(key)
	if value == "" {
		return "", domain.NotConfigured("%s for auth server %s not found", key, id)
	}
	return value, nil
}

func (r *Registry) AuthorisationEndpoint(ctx context.Context, id string) (string, error) {
	return r.OpenIDValue(ctx, id, domain.OpenIDAuthorizationEndpoint)
}

func (r *Registry) TokenEndpoint(ctx context.Context, id string) (string, error) {
	return r.OpenIDValue(ctx, id, domain.OpenIDTokenEndpoint)
}

func (r *Registry) Issuer(ctx context.Context, id string) (string, error) {
	return r.OpenIDValue(ctx, id, domain.OpenIDIssuer)
}

// SigningAlgorithmsFor prefers the registered override over the discovery document.
func (r *Registry) SigningAlgorithmsFor(ctx context.Context, id, softwareStatementID string) ([]string, error) {
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg, ok := server.RegisteredConfigFor(softwareStatementID); ok && len(reg.RequestObjectSigningAlg) > 0 {
		return reg.RequestObjectSigningAlg, nil
	}
	cfg, err := r.openIDConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cfg.RequestObjectSigningAlgValues) == 0 {
		return nil, domain.NotConfigured("request_object_signing_alg_values_supported for auth server %s not found", id)
	}
	return cfg.RequestObjectSigningAlgValues, nil
}

// UpsertClientCredentials stores creds, replacing any entry for the same software statement.
func (r *Registry) UpsertClientCredentials(ctx context.Context, id string, creds domain.ClientCredentials) error {
	if creds.SoftwareStatementID == "" || creds.ClientID == "" {
		return domain.ValidationInput("softwareStatementId and clientId are required")
	}
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return err
	}
	server.PutClientCredentials(creds)
	return r.save(ctx, server)
}

// UpsertRegisteredConfig stores cfg, replacing any entry for the same software statement.
func (r *Registry) UpsertRegisteredConfig(ctx context.Context, id string, cfg domain.RegisteredConfig) error {
	if cfg.SoftwareStatementID == "" {
		return domain.ValidationInput("softwareStatementId is required")
	}
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return err
	}
	server.PutRegisteredConfig(cfg)
	return r.save(ctx, server)
}

// StoreAuthorisationServers ingests directory records, keeping credentials,
// registrations and cached discovery documents of known servers.
func (r *Registry) StoreAuthorisationServers(ctx context.Context, records []domain.DirectoryRecord) error {
	for _, rec := range records {
		id := rec.AuthorisationServerID()
		server, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		if server == nil {
			server = &domain.AuthorisationServer{ID: id}
		}
		if server.DirectoryConfig.OpenIDConfigEndpointURI != rec.OpenIDConfigEndpointURI {
			server.OpenIDConfig = nil
		}
		rec.ID = id
		server.DirectoryConfig = rec
		if err := r.save(ctx, server); err != nil {
			return err
		}
	}
	return nil
}

// RefreshOpenIDConfigs fetches discovery documents for servers that lack one.
// Each failure is logged and leaves that server untouched.
func (r *Registry) RefreshOpenIDConfigs(ctx context.Context) error {
	servers, err := r.List(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for i := range servers {
		server := servers[i]
		if server.OpenIDConfig != nil {
			continue
		}
		g.Go(func() error {
			if _, err := r.fetchOpenIDConfig(gctx, &server); err != nil {
				r.logger.Warn("openid config refresh failed", zap.String("auth_server_id", server.ID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// RefreshOpenIDConfig re-fetches one server's discovery document. On failure
// the cached document is kept.
func (r *Registry) RefreshOpenIDConfig(ctx context.Context, id string) error {
	server, err := r.ResolveConfig(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.fetchOpenIDConfig(ctx, server); err != nil {
		r.logger.Warn("openid config refresh failed", zap.String("auth_server_id", id), zap.Error(err))
		return err
	}
	return nil
}
