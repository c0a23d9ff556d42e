package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// KeyManager holds the broker's request object signing key.
type KeyManager struct {
	key crypto.Signer
	kid string
}

// NewKeyManager parses a PEM private key (PKCS#8, PKCS#1 or SEC1). Empty
// input yields a manager without a key, which limits signing to HMAC and none.
func NewKeyManager(pemBytes []byte, kid string) (*KeyManager, error) {
	if len(pemBytes) == 0 {
		return &KeyManager{}, nil
	}
	key, err := parsePrivateKey(pemBytes)
	if err != nil {
		return nil, err
	}
	return NewKeyManagerFromSigner(key, kid)
}

// NewKeyManagerFromSigner wraps an already parsed key. An empty kid is
// replaced by the key's SHA-256 JWK thumbprint.
func NewKeyManagerFromSigner(key crypto.Signer, kid string) (*KeyManager, error) {
	if kid == "" {
		jwk := jose.JSONWebKey{Key: key.Public()}
		thumb, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("key thumbprint: %w", err)
		}
		kid = base64.RawURLEncoding.EncodeToString(thumb)
	}
	return &KeyManager{key: key, kid: kid}, nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported signing key type %T", key)
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("parse signing key: unsupported format")
}

// KeyID is the kid header used for signed request objects.
func (m *KeyManager) KeyID() string {
	if m == nil {
		return ""
	}
	return m.kid
}

// Material returns signing material for one institution.
func (m *KeyManager) Material(clientSecret string) KeyMaterial {
	km := KeyMaterial{ClientSecret: []byte(clientSecret)}
	if m != nil {
		km.PrivateKey = m.key
		km.KeyID = m.kid
	}
	return km
}

// JWKS publishes the public half of the signing key.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	if m == nil || m.key == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	jwk := jose.JSONWebKey{
		KeyID: m.kid,
		Use:   "sig",
		Key:   m.key.Public(),
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
}
