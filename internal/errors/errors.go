package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session server
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccessDenied       = errors.New("access denied")

	// Refresh token errors
	ErrNotFound    = errors.New("not found")
	ErrExpired     = errors.New("expired")
	ErrLocked      = errors.New("locked")
	ErrCompromised = errors.New("refresh token reuse detected")

	// Infrastructure errors
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrValidationFailed    = errors.New("validation failed")
	ErrInternal            = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Upstream marks err as an upstream failure while keeping the cause in the chain.
func Upstream(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
