package domain

import "errors"

// Authentication error taxonomy. Lower layers wrap these with fmt.Errorf and
// the HTTP layer maps them with errors.Is.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUnverifiedEmail      = errors.New("email not verified by provider")
	ErrDuplicateEmail       = errors.New("email already registered")
	ErrProviderConflict     = errors.New("email bound to a different provider")
	ErrInvalidToken         = errors.New("invalid token")
	ErrUpstreamVerification = errors.New("provider verification failed")
	ErrStorage              = errors.New("storage failure")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)
