package jwt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	// MaxAge is the max_age requested from institutions, in seconds.
	MaxAge = 86400

	requestObjectTTL = 5 * time.Minute
	intentClaimName  = "openbanking_intent_id"
)

// ClaimRequest is one entry of the OIDC claims request parameter.
type ClaimRequest struct {
	Value     string `json:"value,omitempty"`
	Essential bool   `json:"essential"`
}

// RequestedClaims is the OIDC `claims` member.
type RequestedClaims struct {
	UserInfo map[string]ClaimRequest `json:"userinfo"`
	IDToken  map[string]ClaimRequest `json:"id_token"`
}

// RequestObjectClaims is the payload of a signed authorization request.
type RequestObjectClaims struct {
	gojwt.Claims
	ResponseType string          `json:"response_type"`
	ClientID     string          `json:"client_id"`
	RedirectURI  string          `json:"redirect_uri"`
	Scope        string          `json:"scope"`
	State        string          `json:"state"`
	Nonce        string          `json:"nonce"`
	MaxAge       int             `json:"max_age"`
	Requested    RequestedClaims `json:"claims"`
}

// ClaimsInput carries the per-request values of a request object.
type ClaimsInput struct {
	Scope       string
	IntentID    string
	ClientID    string
	Audience    string
	RedirectURI string
	State       string
}

// BuildClaims assembles the request object for an intent.
func BuildClaims(in ClaimsInput, now time.Time) (RequestObjectClaims, error) {
	if strings.TrimSpace(in.ClientID) == "" {
		return RequestObjectClaims{}, fmt.Errorf("client id missing")
	}
	if strings.TrimSpace(in.Audience) == "" {
		return RequestObjectClaims{}, fmt.Errorf("audience missing")
	}
	nonce, err := randomNonce()
	if err != nil {
		return RequestObjectClaims{}, fmt.Errorf("generate nonce: %w", err)
	}

	now = now.UTC()
	intent := ClaimRequest{Value: in.IntentID, Essential: true}
	return RequestObjectClaims{
		Claims: gojwt.Claims{
			Issuer:   in.ClientID,
			Audience: gojwt.Audience{in.Audience},
			IssuedAt: gojwt.NewNumericDate(now),
			Expiry:   gojwt.NewNumericDate(now.Add(requestObjectTTL)),
			ID:       uuid.NewString(),
		},
		ResponseType: "code",
		ClientID:     in.ClientID,
		RedirectURI:  in.RedirectURI,
		Scope:        in.Scope,
		State:        in.State,
		Nonce:        nonce,
		MaxAge:       MaxAge,
		Requested: RequestedClaims{
			UserInfo: map[string]ClaimRequest{intentClaimName: intent},
			IDToken: map[string]ClaimRequest{
				intentClaimName: intent,
				"acr":           {Essential: true},
			},
		},
	}, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
