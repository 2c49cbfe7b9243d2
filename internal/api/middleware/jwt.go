package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// sessionContextKey is the context key for the authenticated control-plane
// session.
type sessionContextKey string

const authenticatedKey sessionContextKey = "admin_authenticated"

// sessionTokenTTL is the lifetime of a control-plane session token issued
// after a successful admin-token login.
const sessionTokenTTL = 24 * time.Hour

// SessionClaims holds the JWT claims for an authenticated control-plane
// session, exchanged once for the bootstrap admin bearer token.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// GenerateSessionToken creates a signed JWT for an authenticated control-plane
// session, following a login against the bootstrap admin token.
func GenerateSessionToken(secret []byte) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(sessionTokenTTL)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "raopd",
			Subject:   "admin",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAuth returns middleware that validates JWT bearer tokens for the
// control-plane API. There is exactly one authenticated principal (the
// operator), so unlike a per-user claim, success only marks the request
// authenticated rather than attaching an identity.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &SessionClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("control-plane auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), authenticatedKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticated reports whether the request context carries a validated
// control-plane session.
func Authenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(authenticatedKey).(bool)
	return ok
}

// authEnvelope matches the api package's envelope format for error
// responses emitted from middleware, which runs outside api.writeError's
// reach.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
