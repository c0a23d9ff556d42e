package domain

import (
	"encoding/base64"
	"encoding/json"
)

// AuthorisationState travels through the institution in the `state` parameter.
type AuthorisationState struct {
	AuthorisationServerID string `json:"authorisationServerId"`
	SessionID             string `json:"sessionId"`
	Scope                 string `json:"scope"`
	InteractionID         string `json:"interactionId"`
	IntentID              string `json:"intentId,omitempty"`
}

// Encode returns base64(JSON(state)).
func (s AuthorisationState) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeAuthorisationState parses a value produced by Encode.
func DecodeAuthorisationState(value string) (AuthorisationState, error) {
	var state AuthorisationState
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return state, ValidationInput("state is not base64 encoded")
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, ValidationInput("state is not valid JSON")
	}
	if state.AuthorisationServerID == "" {
		return state, ValidationInput("state is missing authorisationServerId")
	}
	return state, nil
}

// Session is the resolved caller session stored under the opaque session token.
type Session struct {
	SID      string `json:"sid"`
	Username string `json:"username"`
}

// Payment is a payment intent persisted by interaction id until submission.
type Payment struct {
	PaymentID             string            `json:"PaymentId"`
	AuthorisationServerID string            `json:"authorisationServerId,omitempty"`
	CreditorAccount       map[string]any    `json:"CreditorAccount"`
	InstructedAmount      map[string]string `json:"InstructedAmount"`
}
