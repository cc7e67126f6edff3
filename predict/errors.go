package predict

import (
	"fmt"
)

// TransportErrorKind classifies a failed submission.
type TransportErrorKind int

const (
	// Network covers failures before an HTTP status was received.
	Network TransportErrorKind = iota
	// HTTPStatus is a non-2xx response.
	HTTPStatus
	// MalformedResponse is a 2xx response whose body could not be used.
	MalformedResponse
)

func (k TransportErrorKind) String() string {
	switch k {
	case Network:
		return "network"
	case HTTPStatus:
		return "http status"
	case MalformedResponse:
		return "malformed response"
	}
	return "unknown"
}

// TransportError is the only error type returned by Client.Submit.
type TransportError struct {
	Kind TransportErrorKind
	// StatusCode is set for HTTPStatus errors.
	StatusCode int
	// Body holds the start of an error response body, if any.
	Body string
	Err  error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case HTTPStatus:
		if e.Body != "" {
			return fmt.Sprintf("predict: HTTP %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("predict: HTTP %d", e.StatusCode)
	default:
		return fmt.Sprintf("predict: %v: %v", e.Kind, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether the endpoint rejected the bearer token.
func (e *TransportError) IsUnauthorized() bool {
	return e.Kind == HTTPStatus && (e.StatusCode == 401 || e.StatusCode == 403)
}

// IsServerError reports whether the endpoint failed on its side (HTTP 5xx).
func (e *TransportError) IsServerError() bool {
	return e.Kind == HTTPStatus && e.StatusCode >= 500 && e.StatusCode < 600
}
