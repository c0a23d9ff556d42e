package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

// AlgNone is the unsigned request object algorithm.
const AlgNone = "none"

// KeyMaterial is what a signer may use for one institution.
type KeyMaterial struct {
	PrivateKey   crypto.Signer
	KeyID        string
	ClientSecret []byte
}

type signer struct {
	usable func(KeyMaterial) bool
	sign   func(payload []byte, km KeyMaterial) (string, error)
}

// Signers maps algorithm identifiers to signer implementations and picks one
// by preference order.
type Signers struct {
	table      map[string]signer
	preference []string
}

// preferenceOrder puts asymmetric algorithms ahead of HMAC, and none last.
var preferenceOrder = []string{
	string(jose.PS256), string(jose.PS384), string(jose.PS512),
	string(jose.ES256), string(jose.ES384), string(jose.ES512),
	string(jose.RS256), string(jose.RS384), string(jose.RS512),
	string(jose.HS256), string(jose.HS384), string(jose.HS512),
	AlgNone,
}

// NewSigners registers the JOSE signers. "none" is only registered when allowUnsigned is set.
func NewSigners(allowUnsigned bool) *Signers {
	s := &Signers{table: make(map[string]signer)}
	for _, alg := range []jose.SignatureAlgorithm{jose.PS256, jose.PS384, jose.PS512, jose.RS256, jose.RS384, jose.RS512} {
		s.table[string(alg)] = signer{usable: hasRSAKey, sign: joseSigner(alg, privateKey)}
	}
	s.table[string(jose.ES256)] = signer{usable: hasECKey(elliptic.P256()), sign: joseSigner(jose.ES256, privateKey)}
	s.table[string(jose.ES384)] = signer{usable: hasECKey(elliptic.P384()), sign: joseSigner(jose.ES384, privateKey)}
	s.table[string(jose.ES512)] = signer{usable: hasECKey(elliptic.P521()), sign: joseSigner(jose.ES512, privateKey)}
	s.table[string(jose.HS256)] = signer{usable: hasSecret(32), sign: joseSigner(jose.HS256, clientSecret)}
	s.table[string(jose.HS384)] = signer{usable: hasSecret(48), sign: joseSigner(jose.HS384, clientSecret)}
	s.table[string(jose.HS512)] = signer{usable: hasSecret(64), sign: joseSigner(jose.HS512, clientSecret)}
	if allowUnsigned {
		s.table[AlgNone] = signer{usable: func(KeyMaterial) bool { return true }, sign: signNone}
	}
	for _, alg := range preferenceOrder {
		if _, ok := s.table[alg]; ok {
			s.preference = append(s.preference, alg)
		}
	}
	return s
}

// Negotiate picks the most preferred algorithm that the institution supports
// and km can produce.
func (s *Signers) Negotiate(supported []string, km KeyMaterial) (string, error) {
	offered := make(map[string]struct{}, len(supported))
	for _, alg := range supported {
		offered[alg] = struct{}{}
	}
	for _, alg := range s.preference {
		if _, ok := offered[alg]; !ok {
			continue
		}
		if s.table[alg].usable(km) {
			return alg, nil
		}
	}
	return "", domain.UnsupportedAlgorithm(supported)
}

// Sign serialises claims as a compact JWS using alg.
func (s *Signers) Sign(alg string, claims any, km KeyMaterial) (string, error) {
	entry, ok := s.table[alg]
	if !ok || !entry.usable(km) {
		return "", domain.UnsupportedAlgorithm([]string{alg})
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return entry.sign(payload, km)
}

func privateKey(km KeyMaterial) any { return km.PrivateKey }
func clientSecret(km KeyMaterial) any { return km.ClientSecret }

func joseSigner(alg jose.SignatureAlgorithm, key func(KeyMaterial) any) func([]byte, KeyMaterial) (string, error) {
	return func(payload []byte, km KeyMaterial) (string, error) {
		opts := (&jose.SignerOptions{}).WithType("JWT")
		if km.KeyID != "" && alg != jose.HS256 && alg != jose.HS384 && alg != jose.HS512 {
			opts = opts.WithHeader("kid", km.KeyID)
		}
		sig, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key(km)}, opts)
		if err != nil {
			return "", fmt.Errorf("new %s signer: %w", alg, err)
		}
		jws, err := sig.Sign(payload)
		if err != nil {
			return "", fmt.Errorf("sign request object: %w", err)
		}
		return jws.CompactSerialize()
	}
}

// signNone emits an unsigned JWS with an empty signature segment.
func signNone(payload []byte, _ KeyMaterial) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".", nil
}

func hasRSAKey(km KeyMaterial) bool {
	_, ok := km.PrivateKey.(*rsa.PrivateKey)
	return ok
}

func hasECKey(curve elliptic.Curve) func(KeyMaterial) bool {
	return func(km KeyMaterial) bool {
		k, ok := km.PrivateKey.(*ecdsa.PrivateKey)
		return ok && k.Curve == curve
	}
}

// hasSecret requires a client secret at least as long as the hash output.
func hasSecret(minLen int) func(KeyMaterial) bool {
	return func(km KeyMaterial) bool {
		return len(km.ClientSecret) >= minLen
	}
}
