// Package middleware provides HTTP middleware for the upload API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nomad-lab/nomad-core/pkg/api/auth"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// Context key type for storing authentication state
type contextKey string

const (
	claimsContextKey contextKey = "claims"
	userContextKey   contextKey = "user"
)

// ClaimsFromContext retrieves the JWT claims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(claimsContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

// UserFromContext retrieves the authenticated user record from the
// request context. Returns nil outside authenticated routes.
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// extractBearerToken extracts the token from a Bearer Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	return parts[1], true
}

// JWTAuth validates Bearer tokens and resolves the user record behind
// them. Requests without a valid token for an existing user get 401.
func JWTAuth(svc *auth.Service, state store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractBearerToken(r)
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			claims, err := svc.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			user, err := state.GetUser(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, models.ErrUserNotFound) {
					http.Error(w, "Unknown user", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Failed to resolve user", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			ctx = context.WithValue(ctx, userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin blocks non-admin users. Must be used after JWTAuth.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			if !user.IsAdmin() {
				http.Error(w, "Admin access required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
