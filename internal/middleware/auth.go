// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for verified session claims.
	ClaimsKey ContextKey = "session_claims"
)

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
	UserName  string `json:"userName"`
	UserPhone string `json:"userPhone"`
}

// AuthenticationError reports a missing or invalid session token.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Authenticator signs and verifies session tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator using an HMAC secret.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign issues a token binding the holder to one session.
func (a *Authenticator) Sign(sessionID, userName, userPhone string) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		SessionID: sessionID,
		UserName:  userName,
		UserPhone: userPhone,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and returns its claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, &AuthenticationError{Reason: "missing session token"}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return nil, &AuthenticationError{Reason: "invalid or expired token", Err: err}
	}
	if claims.SessionID == "" {
		return nil, &AuthenticationError{Reason: "token has no session"}
	}
	return claims, nil
}

// TokenFromRequest extracts a session token from the Authorization bearer
// header, the X-Session-Token header or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Auth creates session token authentication middleware.
func Auth(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := auth.Verify(TokenFromRequest(r))
			if err != nil {
				var authErr *AuthenticationError
				errors.As(err, &authErr)
				writeJSONError(w, http.StatusUnauthorized, authErr.Reason)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the verified claims from context.
func GetClaims(ctx context.Context) *Claims {
	if v, ok := ctx.Value(ClaimsKey).(*Claims); ok {
		return v
	}
	return nil
}

// GetSessionID returns the authenticated session ID from context.
func GetSessionID(ctx context.Context) string {
	if c := GetClaims(ctx); c != nil {
		return c.SessionID
	}
	return ""
}

// RequireSessionOwner rejects requests whose token is bound to a different
// session than the {param} URL parameter.
func RequireSessionOwner(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetSessionID(r.Context()) != chi.URLParam(r, param) {
				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServerKey requires the X-API-Key header to match key.
func ServerKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
