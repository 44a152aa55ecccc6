package broker

import (
	"errors"
	"fmt"
)

// AuthenticationError means the trust assertion was rejected by the
// federation endpoint. It is never retried.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failure: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NewAuthenticationError creates a new AuthenticationError
func NewAuthenticationError(err error) *AuthenticationError {
	return &AuthenticationError{Err: err}
}

// IsAuthenticationError checks if the error is or wraps an AuthenticationError
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return err != nil && errors.As(err, &authErr)
}

// AuthorizationError means the role is not assumable by the presented
// identity. It is never retried.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failure: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// NewAuthorizationError creates a new AuthorizationError
func NewAuthorizationError(err error) *AuthorizationError {
	return &AuthorizationError{Err: err}
}

// IsAuthorizationError checks if the error is or wraps an AuthorizationError
func IsAuthorizationError(err error) bool {
	var authzErr *AuthorizationError
	return err != nil && errors.As(err, &authzErr)
}

// TransientError is a retryable network or federation availability failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new TransientError
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransientError checks if the error is or wraps a TransientError
func IsTransientError(err error) bool {
	var transientErr *TransientError
	return err != nil && errors.As(err, &transientErr)
}
