package consent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

// StatusChecker reports the institution-side status of an account request.
type StatusChecker interface {
	AccountRequestStatus(ctx context.Context, authorisationServerID, accountRequestID string) (string, error)
}

// Store persists consents keyed by (username, institution, scope).
type Store struct {
	kv      repository.KVStore
	checker StatusChecker
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs a Store. A nil checker makes HasConsent trust the stored status.
func New(kv repository.KVStore, checker StatusChecker, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.L()
	}
	return &Store{kv: kv, checker: checker, logger: logger, now: time.Now}
}

// SetConsent writes payload under key. When a consent for the same intent
// already exists its permissions are carried over.
func (s *Store) SetConsent(ctx context.Context, key domain.ConsentKey, payload domain.Consent) error {
	if err := key.Validate(); err != nil {
		return err
	}
	existing, err := s.GetConsent(ctx, key)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	payload.ID = key.String()
	payload.Username = key.Username
	payload.AuthorisationServerID = key.AuthorisationServerID
	payload.Scope = key.Scope
	payload.CreatedAt = now
	if existing != nil {
		if existing.IntentID() != "" && existing.IntentID() == payload.IntentID() && len(existing.Permissions) > 0 {
			payload.Permissions = existing.Permissions
		}
		if !existing.CreatedAt.IsZero() {
			payload.CreatedAt = existing.CreatedAt
		}
	}
	payload.UpdatedAt = now

	if err := repository.SetJSON(ctx, s.kv, repository.CollectionConsents, key.String(), payload); err != nil {
		return fmt.Errorf("set consent: %w", err)
	}
	return nil
}

// GetConsent returns the stored consent or nil when there is none.
func (s *Store) GetConsent(ctx context.Context, key domain.ConsentKey) (*domain.Consent, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c, err := repository.GetJSON[domain.Consent](ctx, s.kv, repository.CollectionConsents, key.String())
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	return c, nil
}

// Consent is GetConsent that treats absence as ConsentMissing.
func (s *Store) Consent(ctx context.Context, key domain.ConsentKey) (*domain.Consent, error) {
	c, err := s.GetConsent(ctx, key)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ConsentMissing(key)
	}
	return c, nil
}

// HasConsent reports whether the user holds a usable grant. Account consents
// are checked against the institution on every call and the polled status is
// written back.
func (s *Store) HasConsent(ctx context.Context, key domain.ConsentKey) (bool, error) {
	c, err := s.GetConsent(ctx, key)
	if err != nil {
		return false, err
	}
	if c == nil || c.AuthorisationCode == "" {
		return false, nil
	}
	if key.Scope != domain.ScopeAccounts {
		return true, nil
	}
	if c.AccountRequestID == "" {
		return false, nil
	}
	if s.checker == nil {
		return c.AccountRequestStatus == domain.StatusAuthorised, nil
	}

	status, err := s.checker.AccountRequestStatus(ctx, key.AuthorisationServerID, c.AccountRequestID)
	if err != nil {
		return false, fmt.Errorf("check account request status: %w", err)
	}
	if status != c.AccountRequestStatus {
		c.AccountRequestStatus = status
		c.UpdatedAt = s.now().UTC()
		if err := repository.SetJSON(ctx, s.kv, repository.CollectionConsents, key.String(), c); err != nil {
			s.logger.Warn("persist account request status failed", zap.String("consent", key.String()), zap.Error(err))
		}
	}
	return status == domain.StatusAuthorised, nil
}

// FilterConsented returns the ids, in input order, for which the user holds a
// consent for scope. Each id is checked concurrently; a failing check counts as false.
func (s *Store) FilterConsented(ctx context.Context, username, scope string, ids []string) ([]string, error) {
	results := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			key := domain.ConsentKey{Username: username, AuthorisationServerID: id, Scope: scope}
			ok, err := s.HasConsent(gctx, key)
			if err != nil {
				s.logger.Warn("consent check failed", zap.String("consent", key.String()), zap.Error(err))
				return nil
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	consented := make([]string, 0, len(ids))
	for i, ok := range results {
		if ok {
			consented = append(consented, ids[i])
		}
	}
	return consented, nil
}

// DeleteConsent removes the consent for key.
func (s *Store) DeleteConsent(ctx context.Context, key domain.ConsentKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.kv.Remove(ctx, repository.CollectionConsents, key.String()); err != nil {
		return fmt.Errorf("delete consent: %w", err)
	}
	return nil
}

// ConsentAccessToken returns the stored access token for key.
func (s *Store) ConsentAccessToken(ctx context.Context, key domain.ConsentKey) (string, error) {
	res, err := s.ConsentAccessTokenAndPermissions(ctx, key)
	if err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

// ConsentAccessTokenAndPermissions returns the token and permissions for key.
func (s *Store) ConsentAccessTokenAndPermissions(ctx context.Context, key domain.ConsentKey) (domain.AccessTokenAndPermissions, error) {
	c, err := s.Consent(ctx, key)
	if err != nil {
		return domain.AccessTokenAndPermissions{}, err
	}
	if c.AccessToken() == "" {
		return domain.AccessTokenAndPermissions{}, domain.ConsentMissing(key)
	}
	return domain.AccessTokenAndPermissions{AccessToken: c.AccessToken(), Permissions: c.Permissions}, nil
}

// ConsentAccountRequestID returns the account request id stored for key.
func (s *Store) ConsentAccountRequestID(ctx context.Context, key domain.ConsentKey) (string, error) {
	c, err := s.Consent(ctx, key)
	if err != nil {
		return "", err
	}
	if c.AccountRequestID == "" {
		return "", domain.ConsentMissing(key)
	}
	return c.AccountRequestID, nil
}
