package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies provider failures into a fixed set of categories suitable
// for retry and UX decisions.
type Code string

const (
	// CodeRateLimited indicates the provider is throttling requests.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeAuthFailed indicates authentication or authorization failures.
	// Never retried: a bad key stays bad.
	CodeAuthFailed Code = "AUTH_FAILED"

	// CodeModelUnavailable indicates the requested model does not exist or is
	// temporarily unavailable at the provider.
	CodeModelUnavailable Code = "MODEL_UNAVAILABLE"

	// CodeTimeout indicates the operation exceeded its deadline.
	CodeTimeout Code = "TIMEOUT"

	// CodeInvalidRequest indicates the request is malformed and retrying
	// without changing it will not succeed.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeServiceError indicates an unclassified provider-side failure.
	CodeServiceError Code = "SERVICE_ERROR"

	// CodeNetworkError indicates a transport-level failure reaching the
	// provider.
	CodeNetworkError Code = "NETWORK_ERROR"
)

// Retryable reports whether an error with this code may succeed on another
// attempt or against another provider. AUTH_FAILED and INVALID_REQUEST are
// fatal and surface without fallback.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeTimeout, CodeServiceError, CodeNetworkError, CodeModelUnavailable:
		return true
	}
	return false
}

// Error describes a classified provider failure. It crosses package
// boundaries so the executor, the workflow driver and the HTTP layer can
// surface stable structured information.
type Error struct {
	// Message is the human-readable failure description.
	Message string
	// Service is the offending provider name, empty when no provider was
	// reached (for example an empty category).
	Service string
	// Code is the classification.
	Code Code

	cause error
}

// NewError constructs a classified error with no underlying cause.
func NewError(code Code, service, message string) *Error {
	return &Error{Message: message, Service: service, Code: code}
}

func (e *Error) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Service, e.Message)
}

// Unwrap returns the underlying provider error to preserve the original
// error chain.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the error's code is in the retryable set.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// AsError returns the first classified Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify buckets err into a classified Error attributed to the named
// provider. Already-classified errors are returned as-is: classification
// happens exactly once, at the failover executor boundary. The buckets are
// keyword matches over the error text, in fixed order; anything that matches
// nothing is a SERVICE_ERROR.
func Classify(err error, service string) *Error {
	if pe, ok := AsError(err); ok {
		return pe
	}
	code := CodeServiceError
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case containsAny(lower, "rate", "429"):
		code = CodeRateLimited
	case containsAny(lower, "auth", "401", "api key"):
		code = CodeAuthFailed
	case containsAny(lower, "model", "not found"):
		code = CodeModelUnavailable
	case containsAny(lower, "timeout", "timed out"):
		code = CodeTimeout
	case containsAny(lower, "invalid", "400"):
		code = CodeInvalidRequest
	case containsAny(lower, "network", "fetch", "connection refused"):
		code = CodeNetworkError
	}
	return &Error{Message: msg, Service: service, Code: code, cause: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
