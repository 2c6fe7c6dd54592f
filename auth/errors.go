package auth

import "errors"

var (
	// ErrInvalidCredentials covers wrong email or wrong password; the
	// two cases are deliberately indistinguishable to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers malformed, unknown, revoked, and expired
	// tokens alike.
	ErrInvalidToken = errors.New("invalid token")

	// ErrEmailTaken is returned on signup when a live row already owns
	// the email.
	ErrEmailTaken = errors.New("email already in use")
)
