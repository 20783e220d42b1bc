package auth

import "errors"

var (
	// ErrUnauthenticated indicates no caller identity could be resolved.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden indicates the caller lacks the required role.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)
