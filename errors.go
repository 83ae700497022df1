package jwtguard

import (
	"errors"
	"net/http"
)

var (
	// ErrTokenNotProvided is returned when a request carries no bearer token.
	ErrTokenNotProvided = errors.New("token not provided")
	// ErrTokenInvalid covers malformed tokens and signature failures.
	ErrTokenInvalid = errors.New("token is invalid")
	// ErrTokenExpired is returned for tokens past their expiry. For Refresh it
	// means the refresh window has closed too.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenBlacklisted is returned for tokens that were invalidated.
	ErrTokenBlacklisted = errors.New("token has been blacklisted")
	// ErrSubjectMismatch is returned when the token was issued for a different
	// user model than the configured provider serves.
	ErrSubjectMismatch = errors.New("token subject does not match provider model")
	// ErrMissingToken is returned by operations that require a bound token.
	ErrMissingToken = errors.New("token could not be parsed from the request")
	// ErrMissingSubject is returned when claims lack the sub claim.
	ErrMissingSubject = errors.New("sub claim is required")
	// ErrUserNotFound is returned when the provider has no user for a subject.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoUserProvider is returned by credential flows when no provider is set.
	ErrNoUserProvider = errors.New("user provider not configured")
	// ErrInvalidCredentials is returned when credentials do not match a user.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidCacheTTL is returned when a cache entry would have no lifetime.
	ErrInvalidCacheTTL = errors.New("cache ttl must be positive")
	// ErrBlacklistDisabled is returned by Invalidate when blacklisting is off.
	ErrBlacklistDisabled = errors.New("blacklist must be enabled to invalidate a token")
)

// UnauthorizedError is the middleware's rejection of a request. Reason is the
// client facing description; Err the underlying cause.
type UnauthorizedError struct {
	Status int
	Reason string
	Err    error
}

func (e *UnauthorizedError) Error() string {
	if e.Err == nil || e.Err.Error() == e.Reason {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

func unauthorized(reason string, err error) *UnauthorizedError {
	return &UnauthorizedError{Status: http.StatusUnauthorized, Reason: reason, Err: err}
}

// StatusCode maps err to the HTTP status the middleware answers with.
func StatusCode(err error) int {
	var ue *UnauthorizedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ue) && ue.Status != 0:
		return ue.Status
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrMissingSubject):
		return http.StatusBadRequest
	case errors.Is(err, ErrTokenNotProvided),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenBlacklisted),
		errors.Is(err, ErrSubjectMismatch),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
