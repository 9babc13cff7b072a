// Package errors provides the standardized error taxonomy for printbridge
// components. It includes sentinel error variables, the structured HostError
// type reported by the control host, classification helpers, and a consistent
// wrapping helper used across the system.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// ErrRequestTimedOut indicates no host response arrived within the
	// request's deadline. Recoverable by client retry.
	ErrRequestTimedOut = errors.New("host request timed out")

	// ErrHostUnavailable indicates the bridge channel has no live host
	// connection. Outstanding requests are force-resolved with this error
	// and new submissions fail fast.
	ErrHostUnavailable = errors.New("host not connected")

	// ErrUnauthorized is the uniform denial returned by the authorization
	// manager. It never reveals which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMutationDenied indicates the file operation guard refused a
	// destructive file operation.
	ErrMutationDenied = errors.New("file mutation denied")

	// ErrInvalidSubscription indicates a subscription referenced an object
	// or attribute the host does not expose. Logged, never fatal.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrHostNotReady indicates the host is connected but has not reported
	// a ready state yet.
	ErrHostNotReady = errors.New("host not ready")

	// ErrInvalidRequest indicates a malformed or incomplete client request.
	ErrInvalidRequest = errors.New("invalid request")
)

// HostError is an application error explicitly reported by the control host
// in a response envelope. It is surfaced verbatim to clients and must remain
// distinguishable from transport-level failures.
type HostError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *HostError) Error() string {
	return fmt.Sprintf("host error %d: %s", e.Code, e.Message)
}

// NewHostError creates a HostError with the given status code and message.
func NewHostError(code int, message string) *HostError {
	if code == 0 {
		code = http.StatusBadRequest
	}
	return &HostError{Code: code, Message: message}
}

// AsHostError extracts a HostError from an error chain.
func AsHostError(err error) (*HostError, bool) {
	var he *HostError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsTimeout reports whether an error represents a request deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimedOut)
}

// IsHostUnavailable reports whether an error represents a missing or lost
// host connection.
func IsHostUnavailable(err error) bool {
	return errors.Is(err, ErrHostUnavailable)
}

// IsUnauthorized reports whether an error is an authorization denial.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsMutationDenied reports whether an error is a file guard refusal.
func IsMutationDenied(err error) bool {
	return errors.Is(err, ErrMutationDenied)
}

// HTTPStatus maps an error to the HTTP status code clients receive.
// Authorization failures map to a uniform 401 regardless of cause; timeouts,
// host errors, and unavailability each get distinguishable codes so clients
// can choose between retry and fail-fast.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsHostUnavailable(err), errors.Is(err, ErrHostNotReady):
		return http.StatusServiceUnavailable
	case IsMutationDenied(err):
		return http.StatusServiceUnavailable
	}
	if he, ok := AsHostError(err); ok {
		if he.Code >= 400 && he.Code < 600 {
			return he.Code
		}
		return http.StatusBadRequest
	}
	if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig) || errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// New creates a basic error. Re-exported so callers do not need to import
// both this package and the standard library errors package.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
