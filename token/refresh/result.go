package refresh

import (
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
)

type Status int

const (
	StatusDenied Status = iota
	StatusRotated
)

// Reason explains a denial. Expected outcomes only; infrastructure failures are errors.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNotFound    Reason = "not_found"
	ReasonExpired     Reason = "expired"
	ReasonLocked      Reason = "locked"
	ReasonCompromised Reason = "compromised"
)

// Invalid reports whether the token was known but no longer usable.
func (r Reason) Invalid() bool {
	return r == ReasonExpired || r == ReasonLocked
}

// Err maps the reason onto the shared error taxonomy.
func (r Reason) Err() error {
	switch r {
	case ReasonNotFound:
		return apperrors.ErrNotFound
	case ReasonExpired:
		return apperrors.ErrExpired
	case ReasonLocked:
		return apperrors.ErrLocked
	case ReasonCompromised:
		return apperrors.ErrCompromised
	}
	return nil
}

// Result is the outcome of Rotate. Token is only set when Status is StatusRotated.
type Result struct {
	Status Status
	Reason Reason
	Token  *Record
}

func (r Result) Rotated() bool {
	return r.Status == StatusRotated
}

func rotated(next *Record) Result {
	return Result{Status: StatusRotated, Token: next}
}

func denied(reason Reason) Result {
	return Result{Status: StatusDenied, Reason: reason}
}
