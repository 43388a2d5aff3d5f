package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// dummyPasswordHash is compared against when the username does not exist so
// the unknown-user path costs the same as a wrong-password check. Hash of a
// random throwaway value; nothing ever matches it.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const lookupTimeout = 3 * time.Second

// RepositoryAuthService verifies credentials against the user repository
// with bcrypt.
type RepositoryAuthService struct {
	users UserRepository
}

func NewRepositoryAuthService(users UserRepository) *RepositoryAuthService {
	return &RepositoryAuthService{users: users}
}

// Authenticate looks up username and checks password against the stored
// hash. Unknown user and wrong password fail identically, in both error
// value and timing. Store failures surface as ErrUserStoreUnavailable.
func (s *RepositoryAuthService) Authenticate(ctx context.Context, username, password string) (User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Burn the same bcrypt cost as the real comparison below.
			_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash), []byte(password))
			return User{}, ErrInvalidCredentials
		}
		return User{}, ErrUserStoreUnavailable
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return User{
		ID:        u.ID,
		Username:  u.Username,
		Roles:     NormalizeRoles(u.Roles),
		CreatedAt: u.CreatedAt,
	}, nil
}
