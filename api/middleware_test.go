package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestJWTVerifierValidToken(t *testing.T) {
	secret := []byte("secret")
	v := NewJWTVerifier(secret)

	token := signTestToken(t, secret, jwt.RegisteredClaims{
		Subject:   "uid-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	uid, err := v.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", uid)
}

func TestJWTVerifierEnclaveReusable(t *testing.T) {
	secret := []byte("secret")
	v := NewJWTVerifier(secret)

	// The constructor copies the secret into the enclave; the caller's
	// slice must survive for signing, and the enclave must support
	// repeated verifications.
	assert.Equal(t, []byte("secret"), secret)

	token := signTestToken(t, secret, jwt.RegisteredClaims{
		Subject:   "uid-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	for i := 0; i < 3; i++ {
		uid, err := v.VerifyToken(token)
		require.NoError(t, err)
		assert.Equal(t, "uid-1", uid)
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))

	token := signTestToken(t, []byte("other"), jwt.RegisteredClaims{Subject: "uid-1"})
	_, err := v.VerifyToken(token)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	v := NewJWTVerifier(secret)

	token := signTestToken(t, secret, jwt.RegisteredClaims{
		Subject:   "uid-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	_, err := v.VerifyToken(token)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsMissingSubject(t *testing.T) {
	secret := []byte("secret")
	v := NewJWTVerifier(secret)

	token := signTestToken(t, secret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	_, err := v.VerifyToken(token)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsAlgNone(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))

	// Unsigned token with alg=none must never validate, regardless of claims.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "uid-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.VerifyToken(unsigned)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("secret")
	a := &API{tokens: NewJWTVerifier(secret)}

	var gotUID string
	handler := a.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUID = uidFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// No header.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Malformed header.
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid bearer token reaches the handler with the uid on the context.
	token := signTestToken(t, secret, jwt.RegisteredClaims{
		Subject:   "uid-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	r = httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "uid-42", gotUID)
}
