// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civic-connect/realtime-core/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the caller's identity.
	IdentityKey ContextKey = "identity"
)

// Claims represents JWT claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
	Name string     `json:"name,omitempty"`
}

// ErrInvalidToken is returned for missing, malformed or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// ParseToken verifies an HMAC-signed token and returns the identity it
// carries.
func ParseToken(secret, tokenString string) (model.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return model.Identity{}, fmt.Errorf("%w: subject and role are required", ErrInvalidToken)
	}
	return model.Identity{UserID: claims.Subject, Role: claims.Role, Name: claims.Name}, nil
}

// SignToken issues a token for an identity. Used by tests and local tooling;
// production tokens come from the identity service.
func SignToken(secret string, ident model.Identity, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = ident.UserID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: claims,
		Role:             ident.Role,
		Name:             ident.Name,
	})
	return token.SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			tokenString, ok := BearerToken(r)
			if !ok {
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			ident, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}

// WithIdentity returns a context carrying ident.
func WithIdentity(ctx context.Context, ident model.Identity) context.Context {
	noteIdentity(ctx, ident.UserID, string(ident.Role))
	return context.WithValue(ctx, IdentityKey, ident)
}

// IdentityFrom gets the caller's identity from context. It is the zero
// identity on unauthenticated requests.
func IdentityFrom(ctx context.Context) model.Identity {
	if v, ok := ctx.Value(IdentityKey).(model.Identity); ok {
		return v
	}
	return model.Identity{}
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	return IdentityFrom(ctx).UserID
}

// RequireRole creates middleware that admits only the given roles.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := IdentityFrom(r.Context())
			if !ident.Authenticated() {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if !slices.Contains(roles, ident.Role) {
				http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
