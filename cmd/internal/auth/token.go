// Package auth validates bearer credentials for the realtime gateways and
// the HTTP collaborator surface. Token issuance lives elsewhere; this package
// only verifies and decodes.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no credential was supplied.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken is returned when the credential fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when the credential is expired.
	ErrExpiredToken = errors.New("auth: token expired")
)

// Identity is the authenticated principal decoded from a credential.
type Identity struct {
	UserID   int64
	Username string
}

// TokenValidator decodes a bearer credential into an identity or fails.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT claim shape issued by the auth service.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTValidator verifies HS256 access tokens against a shared secret.
type JWTValidator struct {
	secret []byte
	leeway time.Duration
}

// NewJWTValidator constructs a validator for the given signing secret.
func NewJWTValidator(secret string, leeway time.Duration) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), leeway: leeway}
}

// Validate verifies the token signature and expiry and decodes the identity.
func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Username) == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// BearerFromHeader extracts a bearer token from an Authorization header value.
func BearerFromHeader(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
