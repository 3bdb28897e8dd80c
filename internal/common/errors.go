// Package common defines shared constants, sentinel errors and small helpers
// used across the repository, transport and service layers. Callers should use
// errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")
	ErrorConflict = errors.New("already exists")

	// Service-level errors.
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// ErrorUnauthorized is returned by login flows when the presented
	// credentials do not authenticate the account.
	ErrorUnauthorized = errors.New("unauthorized")

	// Guard decisions.
	ErrorUnauthenticated = errors.New("unauthenticated")
	ErrorForbidden       = errors.New("forbidden")

	// Token errors (session tokens, invitations, password resets).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Credential-specific errors.
	ErrCounterRegression = errors.New("passkey signature counter did not increase")
	ErrTooManyAttempts   = errors.New("too many failed attempts")
	ErrMFANotEnabled     = errors.New("mfa not enabled")
)
