package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGenKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func jwksJSON(t *testing.T, kid string, pub *rsa.PublicKey) []byte {
	t.Helper()
	resp := jwkSet{Keys: []jwk{{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return data
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, aud string, exp time.Time) string {
	t.Helper()
	claims := &Claims{
		Email: "ops@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://id.example.com",
			Audience:  jwt.ClaimStrings{aud},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func setupValidator(t *testing.T, key *rsa.PrivateKey, kid, aud, issuer string) *Validator {
	t.Helper()
	data := jwksJSON(t, kid, &key.PublicKey)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	v := NewValidator(srv.URL, aud, issuer)
	v.keys.client = srv.Client()
	return v
}

func TestValidateValidToken(t *testing.T) {
	key := mustGenKey(t)
	v := setupValidator(t, key, "key-1", "ferry", "https://id.example.com")

	claims, err := v.Validate(signToken(t, key, "key-1", "ferry", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Email)
}

func TestValidateRejects(t *testing.T) {
	key := mustGenKey(t)
	v := setupValidator(t, key, "key-1", "ferry", "")

	_, err := v.Validate(signToken(t, key, "key-1", "ferry", time.Now().Add(-time.Hour)))
	assert.Error(t, err, "expired")

	_, err = v.Validate(signToken(t, key, "key-1", "other", time.Now().Add(time.Hour)))
	assert.Error(t, err, "wrong audience")

	_, err = v.Validate(signToken(t, key, "key-2", "ferry", time.Now().Add(time.Hour)))
	assert.Error(t, err, "unknown kid")

	strict := setupValidator(t, key, "key-1", "ferry", "https://other.example.com")
	_, err = strict.Validate(signToken(t, key, "key-1", "ferry", time.Now().Add(time.Hour)))
	assert.Error(t, err, "wrong issuer")
}

func serve(a *Authenticator, path, header string) int {
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestAuthenticator(t *testing.T) {
	key := mustGenKey(t)
	a := &Authenticator{
		Token:     "s3cret",
		Validator: setupValidator(t, key, "key-1", "ferry", ""),
		Public:    []string{"/api/health", "/api/webhooks/*"},
	}
	token := signToken(t, key, "key-1", "ferry", time.Now().Add(time.Hour))

	assert.Equal(t, http.StatusOK, serve(a, "/api/environments", "Bearer s3cret"))
	assert.Equal(t, http.StatusOK, serve(a, "/api/environments", "Bearer "+token))
	assert.Equal(t, http.StatusUnauthorized, serve(a, "/api/environments", "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, serve(a, "/api/environments", ""))
	assert.Equal(t, http.StatusOK, serve(a, "/api/health", ""))
	assert.Equal(t, http.StatusOK, serve(a, "/api/webhooks/github", ""))
}

func TestAuthenticatorDisabled(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(&Authenticator{}, "/api/environments", ""))
}
