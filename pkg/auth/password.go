package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// ErrPasswordTooShort is returned for passwords under the minimum length.
var ErrPasswordTooShort = errors.New("password must be at least 8 characters")

// ValidatePassword enforces the signup password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// HashPassword returns a bcrypt digest of the password.
func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// CheckPassword validates a password against a stored bcrypt digest.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}
