package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessTokenTTL applies when no TTL is given.
const DefaultAccessTokenTTL = 15 * time.Minute

// signingMethod is the only algorithm issued or accepted.
var signingMethod = jwt.SigningMethodHS256

// CustomClaims are the registered JWT claims plus the caller's role.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// validate checks the fields every bridge token must carry.
func (c *CustomClaims) validate() error {
	if c.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !IsValidRole(c.Role) {
		return fmt.Errorf("%w: role %q", ErrTokenInvalid, c.Role)
	}
	return nil
}

// GenerateAccessToken signs a token for subject holding role. A
// non-positive ttl means DefaultAccessTokenTTL.
func GenerateAccessToken(subject string, role Role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	issued := time.Now()
	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		Role: role,
	}
	if err := claims.validate(); err != nil {
		return "", err
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the signature and expiry of raw and returns its
// claims. Any failure wraps ErrTokenInvalid.
func ParseToken(raw, secret string) (*CustomClaims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	claims := &CustomClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}
