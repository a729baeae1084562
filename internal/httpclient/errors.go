package httpclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when a request is still rejected with 401/403
	// after one re-authentication.
	ErrAuthentication = errors.New("myconso: authentication rejected")

	// ErrTransientService is returned when 429/503 responses exhausted the backoff budget.
	ErrTransientService = errors.New("myconso: service temporarily unavailable")

	// ErrTransport marks network, DNS and timeout failures.
	ErrTransport = errors.New("myconso: transport failure")
)

// StatusError is a non-2xx response. Kind is one of the sentinels above when the
// status was handled by a retry layer, nil otherwise.
type StatusError struct {
	Kind       error
	Method     string
	URL        string
	StatusCode int
	Attempts   int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Kind != nil {
		return e.Kind.Error() + ": " + msg
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Kind }

// TransportError wraps a failure of the underlying HTTP client.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrTransport, e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
