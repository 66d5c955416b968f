package domain

import "errors"

// ErrNotFound indicates the target task is absent or owned by someone else.
// The two cases are deliberately indistinguishable to callers.
var ErrNotFound = errors.New("task not found")

// ErrInvalidCredential indicates a malformed or unverifiable bearer token.
var ErrInvalidCredential = errors.New("invalid credential")

// ErrExpiredCredential indicates a well-formed bearer token past its expiry.
var ErrExpiredCredential = errors.New("expired credential")

// ValidationError rejects malformed mutation input before any store write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
