package identity

import (
	"errors"
	"fmt"
	"strings"
)

// PasswordCheckError is returned when a password check fails. The identity
// service reports the cumulative failed attempt count; the caller compares
// it against the lockout settings.
type PasswordCheckError struct {
	FailedAttempts uint64
}

func (e *PasswordCheckError) Error() string {
	return fmt.Sprintf("password check failed (%d failed attempts)", e.FailedAttempts)
}

// APIError is a structured error response from the identity service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity service: %s (code=%s, status=%d)", e.Message, e.Code, e.StatusCode)
}

// TransientError wraps network and server-side failures that are safe to
// retry by resubmitting the same request.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient identity service error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err represents a failure the client may
// safely retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAlreadySetUp classifies "credential already registered" failures.
// Structured codes are preferred; the "already set up" phrase remains as a
// fallback for responses without structured detail. Broader substrings
// would swallow unrelated failures like "user already locked".
func IsAlreadySetUp(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == "ALREADY_EXISTS" ||
			strings.Contains(strings.ToLower(apiErr.Message), "already set up")
	}
	return false
}

// IsNotFound reports whether err indicates the referenced resource does not
// exist at the identity service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsPermissionDenied reports whether the identity service rejected the
// call's credentials (e.g. a stale or finalized session token).
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403)
}
