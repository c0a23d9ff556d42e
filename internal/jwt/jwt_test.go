package jwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

const hmacSecret = "a-client-secret-that-is-long-enough-for-hs512-signing-0123456789"

func testClaims(t *testing.T) RequestObjectClaims {
	t.Helper()
	claims, err := BuildClaims(ClaimsInput{
		Scope:       "openid accounts",
		IntentID:    "AR1",
		ClientID:    "cid",
		Audience:    "https://a.example",
		RedirectURI: "http://localhost/tpp/authorized",
		State:       "c3RhdGU=",
	}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	return claims
}

func TestBuildClaimsShape(t *testing.T) {
	raw, err := json.Marshal(testClaims(t))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "https://a.example", decoded["aud"])
	require.Equal(t, "cid", decoded["iss"])
	require.Equal(t, "cid", decoded["client_id"])
	require.Equal(t, "code", decoded["response_type"])
	require.Equal(t, "openid accounts", decoded["scope"])
	require.EqualValues(t, MaxAge, decoded["max_age"])
	require.NotEmpty(t, decoded["nonce"])
	require.EqualValues(t, 1700000000, decoded["iat"])

	claims := decoded["claims"].(map[string]any)
	userinfo := claims["userinfo"].(map[string]any)["openbanking_intent_id"].(map[string]any)
	require.Equal(t, "AR1", userinfo["value"])
	require.Equal(t, true, userinfo["essential"])
	idToken := claims["id_token"].(map[string]any)
	require.Equal(t, "AR1", idToken["openbanking_intent_id"].(map[string]any)["value"])
	require.Equal(t, true, idToken["acr"].(map[string]any)["essential"])
}

func TestBuildClaimsNonceIsRandom(t *testing.T) {
	require.NotEqual(t, testClaims(t).Nonce, testClaims(t).Nonce)
}

func TestBuildClaimsRequiresAudience(t *testing.T) {
	_, err := BuildClaims(ClaimsInput{ClientID: "cid"}, time.Now())
	require.Error(t, err)
}

func TestNegotiatePrefersAsymmetric(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signers := NewSigners(true)
	km := KeyMaterial{PrivateKey: rsaKey, ClientSecret: []byte(hmacSecret)}

	alg, err := signers.Negotiate([]string{"none", "HS256", "RS256", "PS256"}, km)
	require.NoError(t, err)
	require.Equal(t, "PS256", alg)

	alg, err = signers.Negotiate([]string{"HS256", "none"}, km)
	require.NoError(t, err)
	require.Equal(t, "HS256", alg)

	alg, err = signers.Negotiate([]string{"ES256", "RS256"}, km)
	require.NoError(t, err)
	require.Equal(t, "RS256", alg, "ES256 needs an EC key")
}

func TestNegotiateNoneOnlyWhenAllowed(t *testing.T) {
	_, err := NewSigners(false).Negotiate([]string{"none"}, KeyMaterial{})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	alg, err := NewSigners(true).Negotiate([]string{"none"}, KeyMaterial{})
	require.NoError(t, err)
	require.Equal(t, AlgNone, alg)
}

func TestNegotiateHMACNeedsSecretOfHashLength(t *testing.T) {
	signers := NewSigners(false)

	_, err := signers.Negotiate([]string{"HS256"}, KeyMaterial{ClientSecret: []byte("secret")})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	_, err = signers.Sign("HS256", testClaims(t), KeyMaterial{ClientSecret: []byte("secret")})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	secret32 := []byte(hmacSecret[:32])
	alg, err := signers.Negotiate([]string{"HS512", "HS384", "HS256"}, KeyMaterial{ClientSecret: secret32})
	require.NoError(t, err)
	require.Equal(t, "HS256", alg)

	_, err = signers.Sign(alg, testClaims(t), KeyMaterial{ClientSecret: secret32})
	require.NoError(t, err)

	_, err = signers.Negotiate([]string{"HS512"}, KeyMaterial{ClientSecret: []byte(hmacSecret[:48])})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	alg, err = signers.Negotiate([]string{"HS512"}, KeyMaterial{ClientSecret: []byte(hmacSecret)})
	require.NoError(t, err)
	require.Equal(t, "HS512", alg)
}

func TestNegotiateUnknownAlgorithm(t *testing.T) {
	_, err := NewSigners(true).Negotiate([]string{"XS999"}, KeyMaterial{ClientSecret: []byte(hmacSecret)})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
	require.Contains(t, err.Error(), "XS999")
}

func TestSignPS256Verifies(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	manager, err := NewKeyManagerFromSigner(rsaKey, "")
	require.NoError(t, err)
	require.NotEmpty(t, manager.KeyID())

	token, err := NewSigners(false).Sign("PS256", testClaims(t), manager.Material(""))
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.PS256})
	require.NoError(t, err)
	require.Equal(t, manager.KeyID(), parsed.Signatures[0].Header.KeyID)
	payload, err := parsed.Verify(&rsaKey.PublicKey)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"openbanking_intent_id"`)
}

func TestSignES256Verifies(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	km := KeyMaterial{PrivateKey: ecKey, KeyID: "ec-1"}
	signers := NewSigners(false)

	alg, err := signers.Negotiate([]string{"ES256"}, km)
	require.NoError(t, err)
	token, err := signers.Sign(alg, testClaims(t), km)
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	_, err = parsed.Verify(&ecKey.PublicKey)
	require.NoError(t, err)
}

func TestSignHS256WithClientSecret(t *testing.T) {
	token, err := NewSigners(false).Sign("HS256", testClaims(t), KeyMaterial{ClientSecret: []byte(hmacSecret)})
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	require.NoError(t, err)
	_, err = parsed.Verify([]byte(hmacSecret))
	require.NoError(t, err)
}

func TestSignNone(t *testing.T) {
	token, err := NewSigners(true).Sign(AlgNone, map[string]string{"iss": "cid"}, KeyMaterial{})
	require.NoError(t, err)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	require.Empty(t, parts[2])

	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"alg":"none"}`, string(header))
}

func TestSignRejectsUnusableAlgorithm(t *testing.T) {
	_, err := NewSigners(false).Sign("PS256", testClaims(t), KeyMaterial{})
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
}

func TestKeyManagerParsesPEM(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	manager, err := NewKeyManager(pemBytes, "kid-1")
	require.NoError(t, err)
	require.Equal(t, "kid-1", manager.KeyID())

	jwks := manager.JWKS()
	require.Len(t, jwks.Keys, 1)
	require.True(t, jwks.Keys[0].IsPublic())

	_, err = NewKeyManager([]byte("garbage"), "")
	require.Error(t, err)

	empty, err := NewKeyManager(nil, "")
	require.NoError(t, err)
	require.Empty(t, empty.JWKS().Keys)
}
