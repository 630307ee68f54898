package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Error types recorded with skipped rows and failed runs.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// TransientError marks a failure worth retrying. Status is the HTTP status
// that caused it, or 0 when no response arrived.
type TransientError struct {
	Err    error
	Status int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error, status int) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, Status: status}
}

// IsTransient reports whether err is marked transient or is a network
// failure that may clear on its own: timeouts, refused or reset connections,
// DNS errors and truncated responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// RetryableStatus reports whether an HTTP status is worth retrying: request
// timeouts, throttling and server errors other than 501.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code == http.StatusNotImplemented:
		return false
	default:
		return code >= 500 && code <= 599
	}
}

// ErrorType returns ErrorTypeTransient for transient errors and
// ErrorTypePermanent otherwise.
func ErrorType(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
