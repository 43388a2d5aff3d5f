package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role names recognized by the access policy. Roles are stored and compared
// in this normalized upper-case form.
const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleUser    = "USER"
)

// User represents an authenticated principal returned to handlers.
type User struct {
	ID        int64
	Username  string
	Roles     []string
	CreatedAt time.Time
}

// Identity is the per-request authentication result attached to the request
// context by the token middleware. It lives for a single request only.
type Identity struct {
	Subject string
	Roles   []string
}

// Anonymous reports whether the request carried no valid token.
func (id Identity) Anonymous() bool {
	return id.Subject == ""
}

// HasRole reports whether the identity carries the given normalized role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AnonymousIdentity is the identity used when no token is presented.
// Whether that is acceptable is decided by the access policy, not here.
func AnonymousIdentity() Identity {
	return Identity{}
}

var (
	// ErrInvalidCredentials is returned when username/password is wrong.
	// The same value is used whether the user exists or not.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for malformed, unsigned, or tampered tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for well-formed tokens past their expiry.
	ErrExpiredToken = errors.New("expired token")
	// ErrUserStoreUnavailable is returned when the user store cannot be
	// reached; it is never conflated with a credential failure.
	ErrUserStoreUnavailable = errors.New("user store unavailable")
)

// AuthService defines credential verification behaviour.
type AuthService interface {
	Authenticate(ctx context.Context, username, password string) (User, error)
}

// NormalizeRole maps stored role spellings onto the canonical upper-case
// form, stripping the legacy "ROLE_" prefix some stores carry.
func NormalizeRole(role string) string {
	role = strings.ToUpper(strings.TrimSpace(role))
	return strings.TrimPrefix(role, "ROLE_")
}

// NormalizeRoles parses a comma-joined role list into canonical form,
// dropping empties and duplicates while preserving order.
func NormalizeRoles(joined string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, r := range strings.Split(joined, ",") {
		n := NormalizeRole(r)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
