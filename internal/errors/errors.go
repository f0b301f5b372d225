package errors

import (
	"errors"
	"fmt"
)

// Common error types for the login flow orchestration
var (
	// Validation errors (client-supplied input malformed)
	ErrInvalidRequest   = errors.New("invalid request")
	ErrMissingRequestID = errors.New("missing or malformed request id")
	ErrInvalidRedirect  = errors.New("invalid redirect target")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// Check errors (the identity service rejected the credential)
	ErrCheckRejected     = errors.New("check rejected")
	ErrAccountLocked     = errors.New("account locked")
	ErrInvalidCode       = errors.New("invalid code")
	ErrAlreadyRegistered = errors.New("credential already registered")
	ErrInitialUserState  = errors.New("user in initial state is not supported")

	// Policy errors (no safe default policy is assumed)
	ErrPolicyFetchFailed = errors.New("could not load login settings")

	// Transient errors (network/RPC failure, safe to retry)
	ErrTransient = errors.New("transient identity service error")

	// General errors
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
