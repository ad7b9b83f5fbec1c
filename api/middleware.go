package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const uidKey contextKey = iota

// TokenVerifier authenticates a bearer token and returns the user ID it was
// issued to.
type TokenVerifier interface {
	VerifyToken(token string) (uid string, err error)
}

// JWTVerifier validates HS256 session tokens minted by the account service.
// The uid is read from the subject claim. The shared signing secret lives in
// a memguard Enclave (encrypted at rest in memory) and is only decrypted for
// the duration of a single verification.
type JWTVerifier struct {
	secret *memguard.Enclave
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier for tokens signed with the given shared
// secret. The secret is copied into the enclave; the caller's slice is left
// intact.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	buf := make([]byte, len(secret))
	copy(buf, secret)
	return &JWTVerifier{secret: memguard.NewEnclave(buf)}
}

func (v *JWTVerifier) VerifyToken(token string) (string, error) {
	secretBuf, err := v.secret.Open()
	if err != nil {
		return "", fmt.Errorf("opening token secret enclave: %w", err)
	}
	defer secretBuf.Destroy()

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return secretBuf.Bytes(), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// AuthMiddleware authenticates the Authorization bearer token and stores the
// verified uid on the request context. Handlers read identity exclusively
// from the context; nothing in a request body can substitute for it.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}

		uid, err := a.tokens.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), uidKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func uidFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey).(string)
	return uid
}
