package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CustomClaims extends JWT standard claims with the principal's kind,
// role, and permission records. The permission payload rides in the
// token so evaluation needs no store lookup per request.
type CustomClaims struct {
	jwt.RegisteredClaims
	Kind        PrincipalKind      `json:"kind"`
	Role        Role               `json:"role"`
	Permissions []PermissionRecord `json:"permissions,omitempty"`
}

// GenerateAccessToken creates a signed JWT access token for a principal.
// Tokens are validated by signature only (no DB hit).
func GenerateAccessToken(p *Principal, secret string, ttlMinutes int) (string, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = 120 //nolint:mnd // default 2-hour access token TTL
	}

	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			ID:        uuid.NewString(),
		},
		Kind:        p.Kind,
		Role:        p.Role,
		Permissions: p.Permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses a JWT access token into a Principal.
// It checks the signature, expiry, and required fields.
func ParseToken(tokenString, secret string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	if claims.Kind == "" {
		return nil, fmt.Errorf("%w: missing principal kind", ErrTokenInvalid)
	}

	return &Principal{
		Kind:        claims.Kind,
		ID:          claims.Subject,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}
