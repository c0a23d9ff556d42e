package consent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]string
	errs     map[string]error
	calls    int
}

func (f *fakeChecker) AccountRequestStatus(_ context.Context, serverID, accountRequestID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[serverID]; err != nil {
		return "", err
	}
	return f.statuses[serverID+"/"+accountRequestID], nil
}

func key(server, scope string) domain.ConsentKey {
	return domain.ConsentKey{Username: "alice", AuthorisationServerID: server, Scope: scope}
}

func TestSetConsentThenGetConsent(t *testing.T) {
	ctx := context.Background()
	store := New(repository.NewMemoryStore(), nil, zap.NewNop())

	k := key("A", domain.ScopeAccounts)
	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1", Token: &domain.Token{AccessToken: "tok"}}))

	got, err := store.GetConsent(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "alice:::A:::accounts", got.ID)
	require.Equal(t, "AR1", got.AccountRequestID)

	token, err := store.ConsentAccessToken(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "tok", token)
}

func TestSetConsentKeepsPermissionsForSameIntent(t *testing.T) {
	ctx := context.Background()
	store := New(repository.NewMemoryStore(), nil, zap.NewNop())
	k := key("A", domain.ScopeAccounts)

	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1", Permissions: []string{"ReadAccountsBasic"}}))
	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1", AuthorisationCode: "code"}))

	got, err := store.GetConsent(ctx, k)
	require.NoError(t, err)
	require.Equal(t, []string{"ReadAccountsBasic"}, got.Permissions)
	require.Equal(t, "code", got.AuthorisationCode)

	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR2", Permissions: []string{"ReadBalances"}}))
	got, err = store.GetConsent(ctx, k)
	require.NoError(t, err)
	require.Equal(t, []string{"ReadBalances"}, got.Permissions)
}

func TestConsentMissing(t *testing.T) {
	ctx := context.Background()
	store := New(repository.NewMemoryStore(), nil, zap.NewNop())
	k := key("A", domain.ScopeAccounts)

	got, err := store.GetConsent(ctx, k)
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = store.Consent(ctx, k)
	require.ErrorIs(t, err, domain.ErrConsentMissing)

	_, err = store.ConsentAccessTokenAndPermissions(ctx, k)
	require.ErrorIs(t, err, domain.ErrConsentMissing)

	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1"}))
	_, err = store.ConsentAccessToken(ctx, k)
	require.ErrorIs(t, err, domain.ErrConsentMissing)
}

func TestInvalidKeyRejected(t *testing.T) {
	store := New(repository.NewMemoryStore(), nil, zap.NewNop())
	err := store.SetConsent(context.Background(), domain.ConsentKey{Username: "alice"}, domain.Consent{})
	require.Error(t, err)
}

func TestHasConsentChecksLiveStatusAndPersistsIt(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{statuses: map[string]string{"A/AR1": domain.StatusAuthorised}}
	kv := repository.NewMemoryStore()
	store := New(kv, checker, zap.NewNop())
	k := key("A", domain.ScopeAccounts)

	ok, err := store.HasConsent(ctx, k)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1"}))
	ok, err = store.HasConsent(ctx, k)
	require.NoError(t, err)
	require.False(t, ok, "no authorisation code yet")

	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1", AuthorisationCode: "code"}))
	ok, err = store.HasConsent(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetConsent(ctx, k)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAuthorised, got.AccountRequestStatus)

	checker.statuses["A/AR1"] = domain.StatusRevoked
	ok, err = store.HasConsent(ctx, k)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, checker.calls)
}

func TestHasConsentPaymentsNeedsOnlyCode(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{}
	store := New(repository.NewMemoryStore(), checker, zap.NewNop())
	k := key("A", domain.ScopePayments)

	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{PaymentID: "P1", AuthorisationCode: "code"}))
	ok, err := store.HasConsent(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, checker.calls)
}

func TestFilterConsented(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{
		statuses: map[string]string{
			"A/AR-A": domain.StatusAuthorised,
			"B/AR-B": domain.StatusAwaitingAuthorisation,
			"D/AR-D": domain.StatusAuthorised,
		},
		errs: map[string]error{"C": errors.New("institution down")},
	}
	store := New(repository.NewMemoryStore(), checker, zap.NewNop())

	for server, ar := range map[string]string{"A": "AR-A", "B": "AR-B", "C": "AR-C", "D": "AR-D"} {
		require.NoError(t, store.SetConsent(ctx, key(server, domain.ScopeAccounts), domain.Consent{AccountRequestID: ar, AuthorisationCode: "code"}))
	}

	consented, err := store.FilterConsented(ctx, "alice", domain.ScopeAccounts, []string{"D", "A", "B", "C", "E"})
	require.NoError(t, err)
	require.Equal(t, []string{"D", "A"}, consented)
}

func TestDeleteConsent(t *testing.T) {
	ctx := context.Background()
	store := New(repository.NewMemoryStore(), nil, zap.NewNop())
	k := key("A", domain.ScopeAccounts)
	require.NoError(t, store.SetConsent(ctx, k, domain.Consent{AccountRequestID: "AR1"}))

	id, err := store.ConsentAccountRequestID(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "AR1", id)

	require.NoError(t, store.DeleteConsent(ctx, k))
	got, err := store.GetConsent(ctx, k)
	require.NoError(t, err)
	require.Nil(t, got)
}
