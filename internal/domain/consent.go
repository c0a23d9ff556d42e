package domain

import (
	"strings"
	"time"
)

// Consent scopes as they appear in resource paths.
const (
	ScopeAccounts = "accounts"
	ScopePayments = "payments"
)

// IntentScope is the OAuth scope requested when authorising an intent for scope.
func IntentScope(scope string) string {
	return "openid " + scope
}

// Account request statuses reported by institutions.
const (
	StatusAwaitingAuthorisation = "AwaitingAuthorisation"
	StatusAuthorised            = "Authorised"
	StatusRejected              = "Rejected"
	StatusRevoked               = "Revoked"
)

const consentKeySeparator = ":::"

// ConsentKey identifies a grant by user, institution and scope.
type ConsentKey struct {
	Username              string
	AuthorisationServerID string
	Scope                 string
}

// String is the canonical storage id.
func (k ConsentKey) String() string {
	return k.Username + consentKeySeparator + k.AuthorisationServerID + consentKeySeparator + k.Scope
}

// Validate rejects keys with an empty component.
func (k ConsentKey) Validate() error {
	if strings.TrimSpace(k.Username) == "" || strings.TrimSpace(k.AuthorisationServerID) == "" || strings.TrimSpace(k.Scope) == "" {
		return InvalidConsentKey(k)
	}
	return nil
}

// ParseConsentKey reverses ConsentKey.String.
func ParseConsentKey(id string) (ConsentKey, bool) {
	parts := strings.Split(id, consentKeySeparator)
	if len(parts) != 3 {
		return ConsentKey{}, false
	}
	return ConsentKey{Username: parts[0], AuthorisationServerID: parts[1], Scope: parts[2]}, true
}

// Consent is the persisted grant for a ConsentKey.
type Consent struct {
	ID                    string    `json:"id"`
	Username              string    `json:"username"`
	AuthorisationServerID string    `json:"authorisationServerId"`
	Scope                 string    `json:"scope"`
	AccountRequestID      string    `json:"accountRequestId,omitempty"`
	PaymentID             string    `json:"paymentId,omitempty"`
	Permissions           []string  `json:"permissions,omitempty"`
	AuthorisationCode     string    `json:"authorisationCode,omitempty"`
	Token                 *Token    `json:"token,omitempty"`
	AccountRequestStatus  string    `json:"accountRequestStatus,omitempty"`
	InteractionID         string    `json:"interactionId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Key rebuilds the consent key from the record fields.
func (c *Consent) Key() ConsentKey {
	return ConsentKey{Username: c.Username, AuthorisationServerID: c.AuthorisationServerID, Scope: c.Scope}
}

// IntentID is the upstream account request or payment id.
func (c *Consent) IntentID() string {
	if c.AccountRequestID != "" {
		return c.AccountRequestID
	}
	return c.PaymentID
}

// AccessToken returns the stored bearer token, if any.
func (c *Consent) AccessToken() string {
	if c == nil || c.Token == nil {
		return ""
	}
	return c.Token.AccessToken
}
