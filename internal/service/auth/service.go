package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/adapter/aspsp"
	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/consent"
	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/jwt"
	"github.com/smallbiznis/tpp-broker/internal/payments"
)

// DefaultAccountPermissions is requested when the caller names none.
var DefaultAccountPermissions = []string{
	"ReadAccountsDetail",
	"ReadBalances",
	"ReadBeneficiariesDetail",
	"ReadDirectDebits",
	"ReadProducts",
	"ReadStandingOrdersDetail",
	"ReadTransactionsCredits",
	"ReadTransactionsDebits",
	"ReadTransactionsDetail",
}

// Registry is the institution lookup the service depends on.
type Registry interface {
	AuthorisationEndpoint(ctx context.Context, id string) (string, error)
	Issuer(ctx context.Context, id string) (string, error)
	ClientCredentialsFor(ctx context.Context, id, softwareStatementID string) (domain.ClientCredentials, error)
	SigningAlgorithmsFor(ctx context.Context, id, softwareStatementID string) ([]string, error)
	ResourceAPIBase(ctx context.Context, id string) (string, error)
	FapiFinancialID(ctx context.Context, id string) (string, error)
}

// TokenExchanger obtains tokens from institution token endpoints.
type TokenExchanger interface {
	ClientCredentialsToken(ctx context.Context, id, scope string) (string, error)
	AuthorizationCodeToken(ctx context.Context, id, code, redirectURI string) (*domain.Token, error)
}

// IntentClient registers and manages intents at the institution.
type IntentClient interface {
	CreateAccountRequest(ctx context.Context, base string, h aspsp.Headers, permissions []string) (string, error)
	DeleteAccountRequest(ctx context.Context, base string, h aspsp.Headers, accountRequestID string) error
	CreatePayment(ctx context.Context, base string, h aspsp.Headers, initiation aspsp.PaymentInitiation) (string, error)
	SubmitPayment(ctx context.Context, base string, h aspsp.Headers, payment domain.Payment) (string, error)
}

// SessionResolver maps a session id to its user.
type SessionResolver interface {
	Resolve(ctx context.Context, sid string) (*domain.Session, error)
}

// Service drives the consent lifecycle: intent, redirect, callback and use.
type Service struct {
	registry Registry
	tokens   TokenExchanger
	intents  IntentClient
	consents *consent.Store
	payments *payments.Store
	sessions SessionResolver
	signers  *jwt.Signers
	keys     *jwt.KeyManager
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires dependencies.
func NewService(registry Registry, tokens TokenExchanger, intents IntentClient, consents *consent.Store, paymentStore *payments.Store, sessions SessionResolver, signers *jwt.Signers, keys *jwt.KeyManager, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		tokens:   tokens,
		intents:  intents,
		consents: consents,
		payments: paymentStore,
		sessions: sessions,
		signers:  signers,
		keys:     keys,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/tpp-broker/internal/service/auth"),
		now:      time.Now,
	}
}

// RedirectInput identifies the intent a user is sent to authorise.
type RedirectInput struct {
	AuthorisationServerID string
	IntentID              string
	Scope                 string
	SessionID             string
	InteractionID         string
}

// BuildRedirectURI returns the institution authorization URL carrying a
// signed request object for the intent.
func (s *Service) BuildRedirectURI(ctx context.Context, in RedirectInput) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.BuildRedirectURI")
	defer span.End()

	alg, km, err := s.negotiate(ctx, in.AuthorisationServerID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	uri, err := s.redirectURI(ctx, in, alg, km)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return uri, nil
}

// negotiate resolves the client and signing algorithm for an institution.
// It runs before any intent is registered so an unusable institution fails
// without side effects.
func (s *Service) negotiate(ctx context.Context, id string) (string, jwt.KeyMaterial, error) {
	if strings.TrimSpace(id) == "" {
		return "", jwt.KeyMaterial{}, domain.ValidationInput("authorisationServerId missing")
	}
	creds, err := s.registry.ClientCredentialsFor(ctx, id, s.cfg.SoftwareStatementID)
	if err != nil {
		return "", jwt.KeyMaterial{}, err
	}
	algs, err := s.registry.SigningAlgorithmsFor(ctx, id, s.cfg.SoftwareStatementID)
	if err != nil {
		return "", jwt.KeyMaterial{}, err
	}
	km := s.keys.Material(creds.ClientSecret)
	alg, err := s.signers.Negotiate(algs, km)
	if err != nil {
		return "", jwt.KeyMaterial{}, err
	}
	return alg, km, nil
}

func (s *Service) redirectURI(ctx context.Context, in RedirectInput, alg string, km jwt.KeyMaterial) (string, error) {
	state, err := domain.AuthorisationState{
		AuthorisationServerID: in.AuthorisationServerID,
		SessionID:             in.SessionID,
		Scope:                 in.Scope,
		InteractionID:         in.InteractionID,
		IntentID:              in.IntentID,
	}.Encode()
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	creds, err := s.registry.ClientCredentialsFor(ctx, in.AuthorisationServerID, s.cfg.SoftwareStatementID)
	if err != nil {
		return "", err
	}
	endpoint, err := s.registry.AuthorisationEndpoint(ctx, in.AuthorisationServerID)
	if err != nil {
		return "", err
	}
	audience, err := s.audience(ctx, in.AuthorisationServerID)
	if err != nil {
		return "", err
	}

	scope := domain.IntentScope(in.Scope)
	claims, err := jwt.BuildClaims(jwt.ClaimsInput{
		Scope:       scope,
		IntentID:    in.IntentID,
		ClientID:    creds.ClientID,
		Audience:    audience,
		RedirectURI: s.cfg.RedirectURL,
		State:       state,
	}, s.now())
	if err != nil {
		return "", fmt.Errorf("build claims: %w", err)
	}
	request, err := s.signers.Sign(alg, claims, km)
	if err != nil {
		return "", err
	}

	authURL, err := url.Parse(endpoint)
	if err != nil {
		return "", domain.NotConfigured("authorization_endpoint for auth server %s is invalid", in.AuthorisationServerID)
	}
	params := authURL.Query()
	params.Set("client_id", creds.ClientID)
	params.Set("redirect_uri", s.cfg.RedirectURL)
	params.Set("response_type", "code")
	params.Set("scope", scope)
	params.Set("state", state)
	params.Set("request", request)
	authURL.RawQuery = params.Encode()

	s.log().Debug("authorization url built",
		zap.String("authorisation_server_id", in.AuthorisationServerID),
		zap.String("alg", alg),
		zap.String("interaction_id", in.InteractionID),
	)
	return authURL.String(), nil
}

func (s *Service) audience(ctx context.Context, id string) (string, error) {
	if s.cfg.AudienceMode == config.AudienceRedirectURI {
		return s.cfg.RedirectURL, nil
	}
	return s.registry.Issuer(ctx, id)
}

// AccountRequestInput starts an account-access consent.
type AccountRequestInput struct {
	Username              string
	SessionID             string
	AuthorisationServerID string
	Permissions           []string
}

// AccountRequestAuthoriseConsent registers an account request and returns
// the URI the user must visit to authorise it.
func (s *Service) AccountRequestAuthoriseConsent(ctx context.Context, in AccountRequestInput) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.AccountRequestAuthoriseConsent")
	defer span.End()
	span.SetAttributes(attribute.String("authorisation_server_id", in.AuthorisationServerID))

	alg, km, err := s.negotiate(ctx, in.AuthorisationServerID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	h, base, err := s.clientHeaders(ctx, in.AuthorisationServerID, domain.ScopeAccounts, in.SessionID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	permissions := in.Permissions
	if len(permissions) == 0 {
		permissions = DefaultAccountPermissions
	}
	accountRequestID, err := s.intents.CreateAccountRequest(ctx, base, h, permissions)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	key := domain.ConsentKey{Username: in.Username, AuthorisationServerID: in.AuthorisationServerID, Scope: domain.ScopeAccounts}
	if err := s.consents.SetConsent(ctx, key, domain.Consent{
		AccountRequestID:     accountRequestID,
		Permissions:          permissions,
		AccountRequestStatus: domain.StatusAwaitingAuthorisation,
		InteractionID:        h.InteractionID,
	}); err != nil {
		span.RecordError(err)
		return "", err
	}

	return s.redirectURI(ctx, RedirectInput{
		AuthorisationServerID: in.AuthorisationServerID,
		IntentID:              accountRequestID,
		Scope:                 domain.ScopeAccounts,
		SessionID:             in.SessionID,
		InteractionID:         h.InteractionID,
	}, alg, km)
}

// PaymentInput starts a payment consent.
type PaymentInput struct {
	Username              string
	SessionID             string
	AuthorisationServerID string
	CreditorAccount       map[string]any
	InstructedAmount      map[string]string
}

// PaymentAuthoriseConsent registers a payment and returns the URI the user
// must visit to authorise it.
func (s *Service) PaymentAuthoriseConsent(ctx context.Context, in PaymentInput) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.PaymentAuthoriseConsent")
	defer span.End()
	span.SetAttributes(attribute.String("authorisation_server_id", in.AuthorisationServerID))

	if len(in.InstructedAmount) == 0 || len(in.CreditorAccount) == 0 {
		return "", domain.ValidationInput("CreditorAccount and InstructedAmount are required")
	}
	alg, km, err := s.negotiate(ctx, in.AuthorisationServerID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	h, base, err := s.clientHeaders(ctx, in.AuthorisationServerID, domain.ScopePayments, in.SessionID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	h.IdempotencyKey = uuid.NewString()

	paymentID, err := s.intents.CreatePayment(ctx, base, h, aspsp.PaymentInitiation{
		InstructionIdentification: uuid.NewString()[:8],
		EndToEndIdentification:    uuid.NewString()[:8],
		InstructedAmount:          in.InstructedAmount,
		CreditorAccount:           in.CreditorAccount,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := s.payments.Persist(ctx, h.InteractionID, domain.Payment{
		PaymentID:             paymentID,
		AuthorisationServerID: in.AuthorisationServerID,
		CreditorAccount:       in.CreditorAccount,
		InstructedAmount:      in.InstructedAmount,
	}); err != nil {
		span.RecordError(err)
		return "", err
	}
	key := domain.ConsentKey{Username: in.Username, AuthorisationServerID: in.AuthorisationServerID, Scope: domain.ScopePayments}
	if err := s.consents.SetConsent(ctx, key, domain.Consent{PaymentID: paymentID, InteractionID: h.InteractionID}); err != nil {
		span.RecordError(err)
		return "", err
	}

	return s.redirectURI(ctx, RedirectInput{
		AuthorisationServerID: in.AuthorisationServerID,
		IntentID:              paymentID,
		Scope:                 domain.ScopePayments,
		SessionID:             in.SessionID,
		InteractionID:         h.InteractionID,
	}, alg, km)
}

// CallbackInput is what the institution returns to the redirect URL.
type CallbackInput struct {
	Code     string
	State    string
	Username string
}

// AuthorisationCodeGranted exchanges the returned code and records the grant
// on the consent the state refers to.
func (s *Service) AuthorisationCodeGranted(ctx context.Context, in CallbackInput) (*domain.Consent, error) {
	ctx, span := s.startSpan(ctx, "AuthService.AuthorisationCodeGranted")
	defer span.End()

	if strings.TrimSpace(in.Code) == "" {
		return nil, domain.ValidationInput("code missing")
	}
	state, err := domain.DecodeAuthorisationState(in.State)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("authorisation_server_id", state.AuthorisationServerID))

	username, err := s.callbackUser(ctx, in.Username, state.SessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	token, err := s.tokens.AuthorizationCodeToken(ctx, state.AuthorisationServerID, in.Code, s.cfg.RedirectURL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	key := domain.ConsentKey{Username: username, AuthorisationServerID: state.AuthorisationServerID, Scope: state.Scope}
	existing, err := s.consents.GetConsent(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	updated := domain.Consent{}
	if existing != nil {
		updated = *existing
	}
	updated.AuthorisationCode = in.Code
	updated.Token = token
	if updated.InteractionID == "" {
		updated.InteractionID = state.InteractionID
	}
	switch state.Scope {
	case domain.ScopeAccounts:
		if updated.AccountRequestID == "" {
			updated.AccountRequestID = state.IntentID
		}
	case domain.ScopePayments:
		if updated.PaymentID == "" {
			updated.PaymentID = state.IntentID
		}
	}
	if err := s.consents.SetConsent(ctx, key, updated); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.log().Info("authorisation code granted",
		zap.String("consent", key.String()),
		zap.String("interaction_id", state.InteractionID),
	)
	return s.consents.GetConsent(ctx, key)
}

func (s *Service) callbackUser(ctx context.Context, username, sessionID string) (string, error) {
	if username != "" {
		return username, nil
	}
	if s.sessions == nil {
		return "", domain.ValidationInput("session %s not found", sessionID)
	}
	sess, err := s.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", domain.ValidationInput("session %s not found", sessionID)
	}
	return sess.Username, nil
}

// SubmitPaymentInput identifies the authorised payment to submit.
type SubmitPaymentInput struct {
	Username              string
	SessionID             string
	AuthorisationServerID string
}

// SubmitPayment submits the payment the user authorised at the institution.
func (s *Service) SubmitPayment(ctx context.Context, in SubmitPaymentInput) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.SubmitPayment")
	defer span.End()

	key := domain.ConsentKey{Username: in.Username, AuthorisationServerID: in.AuthorisationServerID, Scope: domain.ScopePayments}
	c, err := s.consents.Consent(ctx, key)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if c.AccessToken() == "" {
		return "", domain.ConsentMissing(key)
	}
	payment, err := s.payments.Retrieve(ctx, c.InteractionID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if payment == nil {
		return "", domain.ValidationInput("no payment set up for interaction %s", c.InteractionID)
	}

	base, err := s.registry.ResourceAPIBase(ctx, in.AuthorisationServerID)
	if err != nil {
		return "", err
	}
	financialID, err := s.registry.FapiFinancialID(ctx, in.AuthorisationServerID)
	if err != nil {
		return "", err
	}
	submissionID, err := s.intents.SubmitPayment(ctx, base, aspsp.Headers{
		AccessToken:           c.AccessToken(),
		FapiFinancialID:       financialID,
		InteractionID:         c.InteractionID,
		SessionID:             in.SessionID,
		AuthorisationServerID: in.AuthorisationServerID,
		IdempotencyKey:        uuid.NewString(),
	}, *payment)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := s.payments.Remove(ctx, c.InteractionID); err != nil {
		s.log().Warn("remove submitted payment failed", zap.String("interaction_id", c.InteractionID), zap.Error(err))
	}
	s.log().Info("payment submitted",
		zap.String("consent", key.String()),
		zap.String("payment_submission_id", submissionID),
	)
	return submissionID, nil
}

// RevokeInput identifies the account consent to revoke.
type RevokeInput struct {
	Username              string
	SessionID             string
	AuthorisationServerID string
}

// RevokeAccountRequest deletes the account request at the institution, then
// the local consent.
func (s *Service) RevokeAccountRequest(ctx context.Context, in RevokeInput) error {
	ctx, span := s.startSpan(ctx, "AuthService.RevokeAccountRequest")
	defer span.End()

	key := domain.ConsentKey{Username: in.Username, AuthorisationServerID: in.AuthorisationServerID, Scope: domain.ScopeAccounts}
	accountRequestID, err := s.consents.ConsentAccountRequestID(ctx, key)
	if err != nil {
		span.RecordError(err)
		return err
	}
	h, base, err := s.clientHeaders(ctx, in.AuthorisationServerID, domain.ScopeAccounts, in.SessionID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.intents.DeleteAccountRequest(ctx, base, h, accountRequestID); err != nil {
		span.RecordError(err)
		return err
	}
	return s.consents.DeleteConsent(ctx, key)
}

// clientHeaders resolves a client-credentials token and FAPI headers for
// calls made on the broker's own behalf.
func (s *Service) clientHeaders(ctx context.Context, id, scope, sessionID string) (aspsp.Headers, string, error) {
	base, err := s.registry.ResourceAPIBase(ctx, id)
	if err != nil {
		return aspsp.Headers{}, "", err
	}
	financialID, err := s.registry.FapiFinancialID(ctx, id)
	if err != nil {
		return aspsp.Headers{}, "", err
	}
	token, err := s.tokens.ClientCredentialsToken(ctx, id, scope)
	if err != nil {
		return aspsp.Headers{}, "", err
	}
	return aspsp.Headers{
		AccessToken:           token,
		FapiFinancialID:       financialID,
		InteractionID:         uuid.NewString(),
		SessionID:             sessionID,
		AuthorisationServerID: id,
	}, base, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
