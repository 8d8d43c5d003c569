package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// minSecretLength is the minimum accepted HMAC secret length in bytes.
const minSecretLength = 32

var (
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Config holds the token validation settings. The secret is shared with
// the identity provider that issues the tokens.
type Config struct {
	// Secret is the HMAC signing secret, at least 32 bytes.
	Secret string `mapstructure:"secret" yaml:"secret" validate:"omitempty,min=32"`

	// Issuer is the expected token issuer.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// TokenDuration is the lifetime of tokens issued by this service.
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "nomad"
	}
	if c.TokenDuration == 0 {
		c.TokenDuration = 24 * time.Hour
	}
}

// Service signs and validates API tokens.
type Service struct {
	secret   []byte
	issuer   string
	duration time.Duration
}

// NewService creates a token service from the configuration.
func NewService(cfg Config) (*Service, error) {
	cfg.ApplyDefaults()
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength)
	}
	return &Service{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		duration: cfg.TokenDuration,
	}, nil
}

// GenerateToken signs a token for the given user. Used by tests and by
// deployments without an external issuer.
func (s *Service) GenerateToken(user *models.User) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a token string and returns its
// claims. Returns ErrInvalidToken for any validation failure.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
