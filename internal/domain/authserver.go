package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DirectoryRecord is an institution entry as published by the directory.
type DirectoryRecord struct {
	ID                      string `json:"Id"`
	BaseAPIDNSURI           string `json:"BaseApiDNSUri"`
	CustomerFriendlyName    string `json:"CustomerFriendlyName"`
	CustomerFriendlyLogoURI string `json:"CustomerFriendlyLogoUri"`
	OpenIDConfigEndpointURI string `json:"OpenIDConfigEndPointUri"`
	OBOrganisationID        string `json:"OBOrganisationId"`
}

// AuthorisationServerID returns the registry id for the record, deriving one
// from the organisation and base URI when the directory omits it.
func (r DirectoryRecord) AuthorisationServerID() string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return id
	}
	return fmt.Sprintf("%s-%s", r.OBOrganisationID, r.BaseAPIDNSURI)
}

// OpenIDConfig is the subset of the OIDC discovery document the broker uses.
type OpenIDConfig struct {
	Issuer                          string   `json:"issuer"`
	AuthorizationEndpoint           string   `json:"authorization_endpoint"`
	TokenEndpoint                   string   `json:"token_endpoint"`
	JWKSURI                         string   `json:"jwks_uri,omitempty"`
	IDTokenSigningAlgValues         []string `json:"id_token_signing_alg_values_supported,omitempty"`
	RequestObjectSigningAlgValues   []string `json:"request_object_signing_alg_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupport []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// OpenID document keys exposed through the registry.
const (
	OpenIDAuthorizationEndpoint = "authorization_endpoint"
	OpenIDTokenEndpoint         = "token_endpoint"
	OpenIDIssuer                = "issuer"
)

// Value returns a top-level string field by its discovery document name.
func (c OpenIDConfig) Value(key string) string {
	switch key {
	case OpenIDAuthorizationEndpoint:
		return c.AuthorizationEndpoint
	case OpenIDTokenEndpoint:
		return c.TokenEndpoint
	case OpenIDIssuer:
		return c.Issuer
	case "jwks_uri":
		return c.JWKSURI
	default:
		return ""
	}
}

// ClientCredentials are issued by an institution to one software statement.
type ClientCredentials struct {
	SoftwareStatementID string `json:"softwareStatementId"`
	ClientID            string `json:"clientId"`
	ClientSecret        string `json:"clientSecret"`
}

// RegisteredConfig holds values negotiated at client registration.
type RegisteredConfig struct {
	SoftwareStatementID     string   `json:"softwareStatementId"`
	RequestObjectSigningAlg []string `json:"request_object_signing_alg,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// SetField assigns a registration field from its JSON encoded value.
func (r *RegisteredConfig) SetField(field string, raw json.RawMessage) error {
	switch field {
	case "request_object_signing_alg":
		var algs []string
		if err := json.Unmarshal(raw, &algs); err != nil {
			var single string
			if err2 := json.Unmarshal(raw, &single); err2 != nil {
				return fmt.Errorf("decode %s: %w", field, err)
			}
			algs = []string{single}
		}
		r.RequestObjectSigningAlg = algs
	case "token_endpoint_auth_method":
		var method string
		if err := json.Unmarshal(raw, &method); err != nil {
			return fmt.Errorf("decode %s: %w", field, err)
		}
		r.TokenEndpointAuthMethod = method
	default:
		return fmt.Errorf("unsupported registered config field %q", field)
	}
	return nil
}

// AuthorisationServer is the registry record for one institution.
type AuthorisationServer struct {
	ID                string              `json:"id"`
	DirectoryConfig   DirectoryRecord     `json:"obDirectoryConfig"`
	OpenIDConfig      *OpenIDConfig       `json:"openIdConfig,omitempty"`
	ClientCredentials []ClientCredentials `json:"clientCredentials,omitempty"`
	RegisteredConfigs []RegisteredConfig  `json:"registeredConfigs,omitempty"`
	UpdatedAt         time.Time           `json:"updatedAt,omitempty"`
}

// CredentialsFor finds the credentials for a software statement.
func (s *AuthorisationServer) CredentialsFor(softwareStatementID string) (ClientCredentials, bool) {
	for _, c := range s.ClientCredentials {
		if c.SoftwareStatementID == softwareStatementID {
			return c, true
		}
	}
	return ClientCredentials{}, false
}

// RegisteredConfigFor finds the registration for a software statement.
func (s *AuthorisationServer) RegisteredConfigFor(softwareStatementID string) (RegisteredConfig, bool) {
	for _, c := range s.RegisteredConfigs {
		if c.SoftwareStatementID == softwareStatementID {
			return c, true
		}
	}
	return RegisteredConfig{}, false
}

// PutClientCredentials replaces the entry for the same software statement or appends a new one.
func (s *AuthorisationServer) PutClientCredentials(creds ClientCredentials) {
	for i := range s.ClientCredentials {
		if s.ClientCredentials[i].SoftwareStatementID == creds.SoftwareStatementID {
			s.ClientCredentials[i] = creds
			return
		}
	}
	s.ClientCredentials = append(s.ClientCredentials, creds)
}

// PutRegisteredConfig replaces the entry for the same software statement or appends a new one.
func (s *AuthorisationServer) PutRegisteredConfig(cfg RegisteredConfig) {
	for i := range s.RegisteredConfigs {
		if s.RegisteredConfigs[i].SoftwareStatementID == cfg.SoftwareStatementID {
			s.RegisteredConfigs[i] = cfg
			return
		}
	}
	s.RegisteredConfigs = append(s.RegisteredConfigs, cfg)
}

// AuthorisationServerView is the client facing listing entry.
type AuthorisationServerView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LogoURI string `json:"logoUri"`
	OrgID   string `json:"orgId"`
}
