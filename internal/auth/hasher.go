package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the production bcrypt cost for account passwords.
const DefaultBcryptCost = 12

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) error
}

// BcryptPasswordHasher implements PasswordHasher with bcrypt.
type BcryptPasswordHasher struct {
	cost int
}

// NewBcryptPasswordHasher creates a bcrypt hasher; out of range costs select the default.
func NewBcryptPasswordHasher(cost int) BcryptPasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return BcryptPasswordHasher{cost: cost}
}

func (h BcryptPasswordHasher) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (h BcryptPasswordHasher) VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// FakeInsecurePasswordHasher is a test-only hasher with near-zero CPU cost.
type FakeInsecurePasswordHasher struct{}

func (FakeInsecurePasswordHasher) HashPassword(password string) (string, error) {
	return "$fake$" + password, nil
}

func (FakeInsecurePasswordHasher) VerifyPassword(hash, password string) error {
	if strings.HasPrefix(hash, "$fake$") && strings.TrimPrefix(hash, "$fake$") == password {
		return nil
	}
	return ErrInvalidCredentials
}
