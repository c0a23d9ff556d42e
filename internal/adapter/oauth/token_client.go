package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

// ServerResolver is the part of the registry the token client needs.
type ServerResolver interface {
	TokenEndpoint(ctx context.Context, id string) (string, error)
	ClientCredentialsFor(ctx context.Context, id, softwareStatementID string) (domain.ClientCredentials, error)
}

// TokenClient calls institution token endpoints.
type TokenClient struct {
	resolver            ServerResolver
	softwareStatementID string
	httpClient          *http.Client
	logger              *zap.Logger
}

// NewTokenClient constructs a TokenClient. A nil client gets a 10s timeout client.
func NewTokenClient(resolver ServerResolver, softwareStatementID string, client *http.Client, logger *zap.Logger) *TokenClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &TokenClient{
		resolver:            resolver,
		softwareStatementID: softwareStatementID,
		httpClient:          client,
		logger:              logger.Named("token_client"),
	}
}

type endpoint struct {
	tokenURL string
	creds    domain.ClientCredentials
}

func (c *TokenClient) resolve(ctx context.Context, id string) (endpoint, error) {
	tokenURL, err := c.resolver.TokenEndpoint(ctx, id)
	if err != nil {
		return endpoint{}, err
	}
	creds, err := c.resolver.ClientCredentialsFor(ctx, id, c.softwareStatementID)
	if err != nil {
		return endpoint{}, err
	}
	return endpoint{tokenURL: tokenURL, creds: creds}, nil
}

// ClientCredentialsToken obtains an access token used to register intents
// before any user consent exists.
func (c *TokenClient) ClientCredentialsToken(ctx context.Context, id, scope string) (string, error) {
	ep, err := c.resolve(ctx, id)
	if err != nil {
		return "", err
	}
	cfg := clientcredentials.Config{
		ClientID:     ep.creds.ClientID,
		ClientSecret: ep.creds.ClientSecret,
		TokenURL:     ep.tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if scope != "" {
		cfg.Scopes = []string{scope}
	}

	tok, err := cfg.Token(c.withClient(ctx, ep.creds))
	if err != nil {
		return "", c.tokenError(id, "client_credentials", err)
	}
	return tok.AccessToken, nil
}

// AuthorizationCodeToken exchanges code for the token payload of a consent.
func (c *TokenClient) AuthorizationCodeToken(ctx context.Context, id, code, redirectURI string) (*domain.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, domain.ValidationInput("authorisation code missing")
	}
	ep, err := c.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := oauth2.Config{
		ClientID:     ep.creds.ClientID,
		ClientSecret: ep.creds.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  ep.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	tok, err := cfg.Exchange(c.withClient(ctx, ep.creds), code)
	if err != nil {
		return nil, c.tokenError(id, "authorization_code", err)
	}
	return toDomainToken(tok), nil
}

// withClient hands x/oauth2 a client that sends the raw credentials as
// Basic auth. x/oauth2 form-escapes them first, which institutions reject
// for secrets with reserved characters.
func (c *TokenClient) withClient(ctx context.Context, creds domain.ClientCredentials) context.Context {
	client := *c.httpClient
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = basicAuthTransport{base: base, clientID: creds.ClientID, clientSecret: creds.ClientSecret}
	return context.WithValue(ctx, oauth2.HTTPClient, &client)
}

type basicAuthTransport struct {
	base         http.RoundTripper
	clientID     string
	clientSecret string
}

func (t basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.SetBasicAuth(t.clientID, t.clientSecret)
	return t.base.RoundTrip(out)
}

// tokenError keeps the upstream status when the endpoint answered, 500 otherwise.
func (c *TokenClient) tokenError(id, grant string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		c.logger.Warn("token endpoint rejected request",
			zap.String("authorisation_server_id", id),
			zap.String("grant_type", grant),
			zap.Int("status", rerr.Response.StatusCode),
		)
		msg := rerr.ErrorDescription
		if msg == "" {
			msg = rerr.ErrorCode
		}
		if msg == "" {
			msg = fmt.Sprintf("token request failed: status=%d", rerr.Response.StatusCode)
		}
		return domain.UpstreamRejected(rerr.Response.StatusCode, msg, err)
	}
	c.logger.Error("token request failed",
		zap.String("authorisation_server_id", id),
		zap.String("grant_type", grant),
		zap.Error(err),
	)
	return domain.UpstreamRejected(http.StatusInternalServerError, "token request failed", err)
}

func toDomainToken(tok *oauth2.Token) *domain.Token {
	out := &domain.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out
}
