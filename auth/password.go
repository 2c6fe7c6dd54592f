// Package auth implements authentication for the platform: bcrypt
// password hashing, JWT access tokens, and opaque refresh tokens with
// rotation and revocation. Persistence is reached through narrow store
// interfaces so the package stays independent of the gateway layer.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is enforced at signup and password change.
const MinPasswordLength = 8

// HashPassword hashes a plaintext password with bcrypt. Every hash
// carries its own random salt, which is why token lookup below is a
// linear scan rather than a hash-index lookup.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ValidatePassword checks a plaintext password against its stored hash.
func ValidatePassword(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashRefreshToken stores refresh tokens with the same treatment as
// passwords: an attacker reading the table learns nothing usable.
func HashRefreshToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash refresh token: %w", err)
	}
	return string(hash), nil
}

// VerifyRefreshToken checks a plaintext refresh token against a hash.
func VerifyRefreshToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
