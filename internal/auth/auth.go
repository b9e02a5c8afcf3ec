package auth

import (
	"context"
	"fmt"

	"cart-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier resolves a bearer credential to a stable subject identifier.
// The identity provider itself lives outside this service; this interface is
// the only contract the cart side relies on.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// JWTVerifier validates HS256 tokens signed by the identity provider.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning its subject claim.
// All failures map to models.ErrUnauthenticated.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: token has no subject", models.ErrUnauthenticated)
	}
	return subject, nil
}

// Cart keys carry their origin as a prefix so an authenticated cart can never
// collide with a guest one.
const (
	userKeyPrefix  = "user:"
	guestKeyPrefix = "guest:"
)

// UserCartKey returns the cart key for an authenticated subject.
func UserCartKey(subject string) string {
	return userKeyPrefix + subject
}

// GuestCartKey returns the cart key for a guest token.
func GuestCartKey(token string) string {
	return guestKeyPrefix + token
}

// IsUserCartKey reports whether the key belongs to an authenticated subject.
func IsUserCartKey(key string) bool {
	return len(key) > len(userKeyPrefix) && key[:len(userKeyPrefix)] == userKeyPrefix
}
