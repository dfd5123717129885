package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var ErrRetryExhausted = errors.New("gateway: retry attempts exhausted")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the gateway may accept the same request later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// RequestError means the request could not be built; retrying cannot help.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return "gateway: build request: " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError carries the last transient failure after every attempt
// allowed by the policy failed.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gateway: giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// IsTransient classifies a single attempt's failure. Timeouts, transport
// errors, 5xx and 429 are transient; other 4xx, unbuildable requests and
// caller cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return true
}
