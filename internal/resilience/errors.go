package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Class is the coarse failure category reported for a failed operation.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassWAF
	ClassAuth
	ClassProtocol
	ClassExhausted
	ClassCanceled
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassWAF:
		return "waf"
	case ClassAuth:
		return "auth"
	case ClassProtocol:
		return "protocol"
	case ClassExhausted:
		return "exhausted"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
	// RetryAfter is the server requested wait; zero means none was given.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetryDelay implements DelayHinter.
func (e *TransientError) RetryDelay(int) (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// WAFError is a 403 answered with a non-JSON page by a web application
// firewall. It is retried with a delay that grows by Step per attempt.
type WAFError struct {
	StatusCode int
	Snippet    string
	Step       time.Duration
}

func (e *WAFError) Error() string {
	return fmt.Sprintf("blocked by firewall (status %d): %s", e.StatusCode, e.Snippet)
}

// RetryDelay implements DelayHinter.
func (e *WAFError) RetryDelay(attempt int) (time.Duration, bool) {
	step := e.Step
	if step <= 0 {
		step = 2 * time.Second
	}
	return step * time.Duration(attempt), true
}

// AuthError is a 401/403 with a structured (JSON) body. Credentials are wrong
// or revoked, so retrying cannot help.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d): %s", e.StatusCode, e.Body)
}

// ProtocolError is an unexpected status or an undecodable body.
type ProtocolError struct {
	StatusCode  int
	ContentType string
	Reason      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (status %d, content-type %q): %s", e.StatusCode, e.ContentType, e.Reason)
}

// ExhaustedError is returned by Do/DoVal when every attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or WAFError, or if it matches common transient error patterns
// (network timeouts, connection resets, DNS failures). Errors that already
// exhausted their retries are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return false
	}
	var ae *AuthError
	var pe *ProtocolError
	if errors.As(err, &ae) || errors.As(err, &pe) {
		return false
	}

	var te *TransientError
	var we *WAFError
	if errors.As(err, &te) || errors.As(err, &we) {
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

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps err onto a Class for reporting.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	var ae *AuthError
	var pe *ProtocolError
	var ex *ExhaustedError
	var we *WAFError
	switch {
	case errors.As(err, &ae):
		return ClassAuth
	case errors.As(err, &pe):
		return ClassProtocol
	case errors.As(err, &ex):
		return ClassExhausted
	case errors.As(err, &we):
		return ClassWAF
	case IsTransient(err):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.Is(err, ErrCircuitOpen):
		return ClassExhausted
	}
	return ClassUnknown
}

// IsTerminal reports whether err can never succeed on retry.
func IsTerminal(err error) bool {
	switch Classify(err) {
	case ClassAuth, ClassProtocol, ClassExhausted:
		return true
	}
	return false
}
