// Package errors provides standardized error handling for printbridge.
//
// # Overview
//
// The package defines the error taxonomy shared by the bridge channel, the
// request correlation registry, the status multiplexer, the authorization
// manager, and the file operation guard:
//
//   - ErrRequestTimedOut: no response within the request deadline (retryable)
//   - HostError{Code, Message}: the host explicitly rejected the request
//   - ErrHostUnavailable: the bridge has no live host connection (fail fast)
//   - ErrUnauthorized: uniform authorization denial
//   - ErrInvalidSubscription: referenced object unknown (degrades, never fatal)
//   - ErrMutationDenied: file operation guard refusal
//
// Callers distinguish these with the Is* helpers or standard errors.Is so
// they can choose between retry and fail-fast behavior. HTTPStatus maps any
// error in the taxonomy to the status code sent to network clients.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// applied via Wrap(err, "Component", "Method", "action"). This keeps log
// lines parseable and preserves the underlying sentinel through the chain:
//
//	wrapped := errors.Wrap(errors.ErrHostUnavailable, "Registry", "Submit", "forward")
//	errors.IsHostUnavailable(wrapped) // true
package errors
