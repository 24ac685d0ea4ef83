// Package auth supplies the bearer token attached to ordering API calls.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no token has been configured.
	ErrNoToken = errors.New("auth: no token configured")
	// ErrTokenExpired is returned for a JWT whose exp claim has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// TokenSource yields the bearer token for the next request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken serves a fixed token. JWTs are checked for expiry without
// signature verification since the client never holds the signing key;
// opaque tokens are returned as-is.
type StaticToken struct {
	token string
	now   func() time.Time
}

// NewStaticToken wraps token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: strings.TrimSpace(token), now: time.Now}
}

// Token returns the configured token.
func (s *StaticToken) Token() (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, claims); err != nil {
		// not a JWT
		return s.token, nil
	}
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return "", ErrTokenExpired
	}
	return s.token, nil
}

// BearerHeader formats the Authorization header value for src. An empty
// string means the request goes out unauthenticated.
func BearerHeader(src TokenSource) (string, error) {
	if src == nil {
		return "", nil
	}
	token, err := src.Token()
	if errors.Is(err, ErrNoToken) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}
