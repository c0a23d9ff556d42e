package aspsp

import (
	"context"

	"github.com/google/uuid"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

// TokenSource issues client-credentials tokens.
type TokenSource interface {
	ClientCredentialsToken(ctx context.Context, id, scope string) (string, error)
}

// ServerLookup resolves institution resource API details.
type ServerLookup interface {
	ResourceAPIBase(ctx context.Context, id string) (string, error)
	FapiFinancialID(ctx context.Context, id string) (string, error)
}

// StatusChecker reads account-request status from the institution.
type StatusChecker struct {
	client  *Client
	tokens  TokenSource
	servers ServerLookup
}

// NewStatusChecker constructs a StatusChecker.
func NewStatusChecker(client *Client, tokens TokenSource, servers ServerLookup) *StatusChecker {
	return &StatusChecker{client: client, tokens: tokens, servers: servers}
}

// AccountRequestStatus fetches the live status of accountRequestID.
func (s *StatusChecker) AccountRequestStatus(ctx context.Context, serverID, accountRequestID string) (string, error) {
	base, err := s.servers.ResourceAPIBase(ctx, serverID)
	if err != nil {
		return "", err
	}
	financialID, err := s.servers.FapiFinancialID(ctx, serverID)
	if err != nil {
		return "", err
	}
	token, err := s.tokens.ClientCredentialsToken(ctx, serverID, domain.ScopeAccounts)
	if err != nil {
		return "", err
	}
	data, err := s.client.GetAccountRequest(ctx, base, Headers{
		AccessToken:           token,
		FapiFinancialID:       financialID,
		InteractionID:         uuid.NewString(),
		AuthorisationServerID: serverID,
	}, accountRequestID)
	if err != nil {
		return "", err
	}
	return data.Status, nil
}
