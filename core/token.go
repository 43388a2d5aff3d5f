package core

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Header and scheme used to carry tokens on the wire.
const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
)

// Claims is the decoded content of an issued token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenCodec signs and verifies bearer tokens with a process-wide symmetric
// key. It holds no other state and is safe for concurrent use.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec builds a codec for the given signing secret and token TTL.
func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

// Encode issues a signed token for subject, valid from issuedAt until
// issuedAt plus the configured TTL.
func (c *TokenCodec) Encode(subject string, issuedAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Decode verifies tokenString and returns its claims. Failures collapse into
// exactly two cases: ErrExpiredToken for a well-formed token past expiry and
// ErrInvalidToken for everything else, so callers leak nothing more.
func (c *TokenCodec) Decode(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}

	rc, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || rc.Subject == "" || rc.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{Subject: rc.Subject, ExpiresAt: rc.ExpiresAt.Time}
	if rc.IssuedAt != nil {
		out.IssuedAt = rc.IssuedAt.Time
	}
	return out, nil
}

// BearerValue formats a token for the Authorization header.
func BearerValue(token string) string {
	return BearerPrefix + token
}

// StripBearer extracts the opaque token from an Authorization header value.
// It returns "" when the header does not carry a bearer token.
func StripBearer(header string) string {
	if len(header) < len(BearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(BearerPrefix)], BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(BearerPrefix):])
}
