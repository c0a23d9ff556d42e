package handler

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/http/middleware"
	"github.com/smallbiznis/tpp-broker/internal/proxy"
	authsvc "github.com/smallbiznis/tpp-broker/internal/service/auth"
)

const maxBodyBytes = 1 << 20

// Broker runs the consent flows.
type Broker interface {
	AccountRequestAuthoriseConsent(ctx context.Context, in authsvc.AccountRequestInput) (string, error)
	PaymentAuthoriseConsent(ctx context.Context, in authsvc.PaymentInput) (string, error)
	AuthorisationCodeGranted(ctx context.Context, in authsvc.CallbackInput) (*domain.Consent, error)
	SubmitPayment(ctx context.Context, in authsvc.SubmitPaymentInput) (string, error)
	RevokeAccountRequest(ctx context.Context, in authsvc.RevokeInput) error
}

// ServerLister lists institutions for display.
type ServerLister interface {
	ForClient(ctx context.Context) ([]domain.AuthorisationServerView, error)
}

// ConsentFilter reports which institutions a user has granted a scope for.
type ConsentFilter interface {
	FilterConsented(ctx context.Context, username, scope string, ids []string) ([]string, error)
}

// Forwarder proxies resource requests.
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Result, error)
}

// KeySet publishes the request object signing keys.
type KeySet interface {
	JWKS() jose.JSONWebKeySet
}

// BrokerHandler exposes the broker over HTTP.
type BrokerHandler struct {
	Broker   Broker
	Servers  ServerLister
	Consents ConsentFilter
	Proxy    Forwarder
	Keys     KeySet
	Logger   *zap.Logger
}

// NewBrokerHandler creates the handler set.
func NewBrokerHandler(broker Broker, servers ServerLister, consents ConsentFilter, forwarder Forwarder, keys KeySet, logger *zap.Logger) *BrokerHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &BrokerHandler{Broker: broker, Servers: servers, Consents: consents, Proxy: forwarder, Keys: keys, Logger: logger.Named("http")}
}

// JWKS exposes the public half of the signing key so institutions can
// verify request objects.
func (h *BrokerHandler) JWKS(c *gin.Context) {
	if h.Keys == nil {
		c.JSON(http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}})
		return
	}
	c.JSON(http.StatusOK, h.Keys.JWKS())
}

type authorisationServerEntry struct {
	domain.AuthorisationServerView
	AccountsConsentGranted bool `json:"accountsConsentGranted"`
}

// AuthorisationServers lists institutions, flagging those the caller has
// already granted account access to.
func (h *BrokerHandler) AuthorisationServers(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	views, err := h.Servers.ForClient(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	granted := map[string]bool{}
	if h.Consents != nil && len(ids) > 0 {
		consented, err := h.Consents.FilterConsented(c.Request.Context(), sess.Username, domain.ScopeAccounts, ids)
		if err != nil {
			h.respondError(c, err)
			return
		}
		for _, id := range consented {
			granted[id] = true
		}
	}

	entries := make([]authorisationServerEntry, 0, len(views))
	for _, v := range views {
		entries = append(entries, authorisationServerEntry{AuthorisationServerView: v, AccountsConsentGranted: granted[v.ID]})
	}
	c.JSON(http.StatusOK, entries)
}

// AccountRequestAuthoriseConsent starts an account access consent.
func (h *BrokerHandler) AccountRequestAuthoriseConsent(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	var req struct {
		AuthorisationServerID string   `json:"authorisationServerId"`
		Permissions           []string `json:"permissions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}
	middleware.SetAuthorisationServerID(c, req.AuthorisationServerID)

	uri, err := h.Broker.AccountRequestAuthoriseConsent(c.Request.Context(), authsvc.AccountRequestInput{
		Username:              sess.Username,
		SessionID:             sess.SID,
		AuthorisationServerID: strings.TrimSpace(req.AuthorisationServerID),
		Permissions:           req.Permissions,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uri": uri})
}

// PaymentAuthoriseConsent sets up a payment and starts its consent.
func (h *BrokerHandler) PaymentAuthoriseConsent(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	var req struct {
		AuthorisationServerID string            `json:"authorisationServerId"`
		CreditorAccount       map[string]any    `json:"CreditorAccount"`
		InstructedAmount      map[string]string `json:"InstructedAmount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}
	middleware.SetAuthorisationServerID(c, req.AuthorisationServerID)

	uri, err := h.Broker.PaymentAuthoriseConsent(c.Request.Context(), authsvc.PaymentInput{
		Username:              sess.Username,
		SessionID:             sess.SID,
		AuthorisationServerID: strings.TrimSpace(req.AuthorisationServerID),
		CreditorAccount:       req.CreditorAccount,
		InstructedAmount:      req.InstructedAmount,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uri": uri})
}

// AuthorisationCodeGranted completes a consent with the code the institution
// returned to the redirect URL.
func (h *BrokerHandler) AuthorisationCodeGranted(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	_, err := h.Broker.AuthorisationCodeGranted(c.Request.Context(), authsvc.CallbackInput{
		Code:     c.Query("code"),
		State:    c.Query("state"),
		Username: sess.Username,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PaymentSubmission submits the payment the caller authorised.
func (h *BrokerHandler) PaymentSubmission(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	id, err := h.Broker.SubmitPayment(c.Request.Context(), authsvc.SubmitPaymentInput{
		Username:              sess.Username,
		SessionID:             sess.SID,
		AuthorisationServerID: middleware.GetAuthorisationServerID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paymentSubmissionId": id})
}

// RevokeAccountRequest withdraws the caller's account access consent.
func (h *BrokerHandler) RevokeAccountRequest(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	err := h.Broker.RevokeAccountRequest(c.Request.Context(), authsvc.RevokeInput{
		Username:              sess.Username,
		SessionID:             sess.SID,
		AuthorisationServerID: middleware.GetAuthorisationServerID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resource forwards /open-banking/* calls to the institution.
func (h *BrokerHandler) Resource(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	var body []byte
	if c.Request.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			respondBadPayload(c)
			return
		}
		if len(raw) > maxBodyBytes {
			h.respondError(c, domain.PayloadTooLarge(maxBodyBytes))
			return
		}
		body = raw
	}

	result, err := h.Proxy.Forward(c.Request.Context(), proxy.Request{
		Method:                c.Request.Method,
		Path:                  c.Param("path"),
		RawQuery:              c.Request.URL.RawQuery,
		Body:                  body,
		AuthorisationServerID: middleware.GetAuthorisationServerID(c),
		SessionID:             sess.SID,
		Username:              sess.Username,
		InteractionID:         c.GetHeader("x-fapi-interaction-id"),
		IdempotencyKey:        c.GetHeader("x-idempotency-key"),
		CustomerLastLogged:    c.GetHeader("x-fapi-customer-last-logged-time"),
		CustomerIP:            c.GetHeader("x-fapi-customer-ip-address"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("x-fapi-interaction-id", result.InteractionID)
	if len(result.Body) == 0 {
		c.Status(result.Status)
		return
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(result.Status, contentType, result.Body)
}

func (h *BrokerHandler) respondError(c *gin.Context, err error) {
	status := domain.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.Logger.Warn("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": domain.CodeOf(err), "message": err.Error()})
}

func respondUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "message": "Session not resolved."})
}

func respondBadPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(domain.KindValidationInput), "message": "Invalid payload."})
}
