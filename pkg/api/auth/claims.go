// Package auth provides JWT validation for the upload API. Tokens are
// issued by the deployment's identity provider and validated here against
// a shared secret; the claims carry the abstract identity the upload
// operations need.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims of an API token.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the unique identifier of the user.
	UserID string `json:"uid"`

	// Username is the human-readable username.
	Username string `json:"username"`

	// Role is the user's role ("admin" or "user").
	Role string `json:"role"`
}

// IsAdmin returns true if the user has admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == "admin"
}
