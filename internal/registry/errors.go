package registry

import (
	"context"
	"errors"
	"fmt"
	"net"

	"carbonbridge/pkg/domain"
)

// AuthenticationError means a session could not be established with the
// registry. Counted against the authentication failure budget; a silent
// SOAP session renewal is not.
type AuthenticationError struct {
	Registry domain.RegistryName
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authenticate with %s: %v", e.Registry, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// NotFoundError means the registry does not know the queried reference.
// Terminal: never retried.
type NotFoundError struct {
	Registry domain.RegistryName
	Ref      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: reference %q not found", e.Registry, e.Ref)
}

// APIRequestError wraps a fault reported by a REST registry. Retryable
// carries the classification derived from the HTTP status code.
type APIRequestError struct {
	Registry   domain.RegistryName
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *APIRequestError) Error() string {
	return fmt.Sprintf("%s: http %d %s: %s", e.Registry, e.StatusCode, e.Code, e.Message)
}

// SoapFault wraps a fault reported by the SOAP registry, surfaced via
// faultcode/faultstring (or Code/Reason) envelope elements.
type SoapFault struct {
	Registry domain.RegistryName
	Code     string
	Reason   string
}

func (e *SoapFault) Error() string {
	return fmt.Sprintf("%s: soap fault %s: %s", e.Registry, e.Code, e.Reason)
}

// IsRegistryFault reports whether err is a business fault reported by a
// registry, REST or SOAP, as opposed to a local failure.
func IsRegistryFault(err error) bool {
	var apiErr *APIRequestError
	var fault *SoapFault
	return errors.As(err, &apiErr) || errors.As(err, &fault)
}

// IsRetryable classifies an error for the retry loop. Terminal
// classifications (not found, validation faults, auth failures) propagate
// immediately; network errors and timeouts are always retryable up to the
// attempt budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var apiErr *APIRequestError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	var fault *SoapFault
	if errors.As(err, &fault) {
		return fault.RetryableFault()
	}

	// A per-call deadline expiring is treated as retryable; the outer
	// context being cancelled is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified transport errors default to retryable so transient
	// connection resets don't fail a batch permanently.
	return true
}

// RetryableFault classifies the SOAP fault code: ServerBusy and
// InternalError are transient, everything else is a business fault.
func (e *SoapFault) RetryableFault() bool {
	switch e.Code {
	case "ServerBusy", "InternalError":
		return true
	default:
		return false
	}
}

// SessionExpired reports whether the fault means the session token is no
// longer valid and the call should be repeated after one silent
// re-authentication.
func (e *SoapFault) SessionExpired() bool {
	switch e.Code {
	case "SessionExpired", "InvalidSession":
		return true
	default:
		return false
	}
}
