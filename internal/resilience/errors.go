package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error as safe to retry (429, 5xx, timeouts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError marks an error that retrying will not fix, such as a 404.
// It wins over every transient heuristic in IsTransient.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// HTTPStatusError builds the error for a non-2xx response, classified by
// IsTransientHTTPStatus.
func HTTPStatusError(statusCode int, url string) error {
	err := fmt.Errorf("HTTP %d from %s", statusCode, url)
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return NewPermanentError(err, statusCode)
}

// StatusCode extracts the HTTP status carried by a Transient or Permanent
// error, or 0.
func StatusCode(err error) int {
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
	// Chromium navigation failures surfaced by chromedp.
	"net::err_connection_reset",
	"net::err_connection_closed",
	"net::err_connection_refused",
	"net::err_connection_timed_out",
	"net::err_timed_out",
	"net::err_empty_response",
	"net::err_network_changed",
	"net::err_internet_disconnected",
	"net::err_name_not_resolved",
	"net::err_address_unreachable",
}

var protocolPatterns = []string{
	"stream error",
	"http2:",
	"malformed http",
	"protocol_error",
	"err_http2",
}

// IsTransient reports whether err is worth retrying. PermanentError in the
// chain always returns false.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	if IsProtocolError(err) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), transientPatterns)
}

// IsProtocolError reports whether err looks like an HTTP/2 stream failure or
// a malformed response, the class of error an HTTP/1.1-only client avoids.
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), protocolPatterns)
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ErrorClass buckets an error for reporting.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassProtocol  ErrorClass = "protocol"
	ClassPermanent ErrorClass = "permanent"
)

// Classify returns the reporting class of err.
func Classify(err error) ErrorClass {
	var pe *PermanentError
	switch {
	case errors.As(err, &pe):
		return ClassPermanent
	case IsProtocolError(err):
		return ClassProtocol
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
