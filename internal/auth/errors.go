package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")

	// ErrInvalidToken covers unknown, malformed and revoked refresh tokens as
	// well as access tokens that fail signature or claim validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when a refresh token's expiry has passed;
	// validation revokes the token as a side effect.
	ErrExpiredToken = errors.New("auth: expired token")

	// ErrInsufficientUserScopes means the app-scoped grant intersected with
	// the user's own scopes is empty.
	ErrInsufficientUserScopes = errors.New("auth: user lacks requested scopes")
)
