package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// HTTPError is a non-2xx response from the engine.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("engine %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}

	return fmt.Sprintf("engine %s: HTTP %d", e.Op, e.StatusCode)
}

// IsRetryable returns true for server-side and throttling responses.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsUnavailable reports whether err means the engine itself could not
// serve the request: it was unreachable, timed out, or answered with a
// server error. Client errors about a single job (unknown id, malformed
// metadata) are not unavailability.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError

	return errors.As(err, &opErr)
}
