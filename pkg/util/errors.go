// Package util provides logging, common error types, and small helpers
// shared by the model, codec, and checkpoint packages.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrNotConnected          = errors.New("bus not connected")
	ErrNotReady              = errors.New("model not ready")
	ErrNotFound              = errors.New("object not found")
	ErrValidationFailed      = errors.New("validation failed")
	ErrCheckpointUnsupported = errors.New("checkpoints not supported")
	ErrConnectivityLost      = errors.New("change would have broken connectivity")
	ErrRemoteCall            = errors.New("remote call failed")
	ErrPermissionDenied      = errors.New("permission denied")
)

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError records err's message when err is non-nil. Nested validation
// errors are flattened.
func (v *ValidationBuilder) AddError(err error) *ValidationBuilder {
	if err == nil {
		return v
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		v.errors = append(v.errors, ve.Errors...)
		return v
	}
	v.errors = append(v.errors, err.Error())
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// RemoteError wraps a failed bus call with the object and method it targeted.
type RemoteError struct {
	Path   string
	Method string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Method, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemoteCall, e.Err}
}

// NewRemoteError creates a remote call error
func NewRemoteError(path, method string, err error) *RemoteError {
	return &RemoteError{Path: path, Method: method, Err: err}
}
