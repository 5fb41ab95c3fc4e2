package fetcher

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of a failed fetch.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeClient     ErrorType = "client"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// transient lists the categories that may succeed on a later pass.
var transient = map[ErrorType]bool{
	ErrorTypeNetwork:   true,
	ErrorTypeRateLimit: true,
	ErrorTypeServer:    true,
	ErrorTypeTimeout:   true,
}

// Codes of the upstream response envelope.
const (
	upstreamCodeRateLimit    = 40203
	upstreamCodeInvalidToken = 40101
	upstreamCodeNoPermission = 2002
)

// FetchError is the structured failure of one upstream call. Either
// StatusCode (HTTP) or UpstreamCode (envelope) may be set.
type FetchError struct {
	Type         ErrorType
	Retryable    bool
	StatusCode   int
	UpstreamCode int
	Message      string
	Cause        error
}

func newError(t ErrorType, message string, cause error) *FetchError {
	return &FetchError{Type: t, Retryable: transient[t], Message: message, Cause: cause}
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	case e.UpstreamCode != 0:
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.UpstreamCode, e.Message)
	default:
		return fmt.Sprintf("%s error: %s", e.Type, e.Message)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(cause error) *FetchError {
	return newError(ErrorTypeNetwork, "network request failed", cause)
}

// NewTimeoutError wraps a request that ran out of time.
func NewTimeoutError(cause error) *FetchError {
	return newError(ErrorTypeTimeout, "request timed out", cause)
}

// NewAuthError reports a missing or rejected credential.
func NewAuthError(message string) *FetchError {
	return newError(ErrorTypeAuth, message, nil)
}

// NewValidationError reports a response that arrived but could not be used.
func NewValidationError(message string) *FetchError {
	return newError(ErrorTypeValidation, message, nil)
}

// NewUpstreamError classifies a non-zero code of the response envelope.
// Unknown codes are treated as transient server failures.
func NewUpstreamError(code int, message string) *FetchError {
	if message == "" {
		message = "upstream returned an error"
	}
	var e *FetchError
	switch code {
	case upstreamCodeRateLimit:
		e = newError(ErrorTypeRateLimit, message, nil)
	case upstreamCodeInvalidToken, upstreamCodeNoPermission:
		e = newError(ErrorTypeAuth, message, nil)
	default:
		e = newError(ErrorTypeServer, message, nil)
	}
	e.UpstreamCode = code
	return e
}

// ClassifyHTTPError maps a non-success HTTP status to a FetchError.
func ClassifyHTTPError(statusCode int) *FetchError {
	var e *FetchError
	switch {
	case statusCode == http.StatusTooManyRequests:
		e = newError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e = newError(ErrorTypeAuth, "credential rejected", nil)
	case statusCode >= 500:
		e = newError(ErrorTypeServer, "server returned an error", nil)
	case statusCode >= 400:
		e = newError(ErrorTypeClient, fmt.Sprintf("client error: HTTP %d", statusCode), nil)
	default:
		e = newError(ErrorTypeUnknown, fmt.Sprintf("unexpected status code: %d", statusCode), nil)
	}
	e.StatusCode = statusCode
	return e
}

// IsRetryable reports whether err carries a FetchError that may succeed on a
// later attempt. Errors of unknown shape count as retryable.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return err != nil
}
