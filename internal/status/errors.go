package status

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError wraps a transport-layer failure (connection refused, reset,
// TLS error, read timeout) reaching the upstream API. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }
func (e *NetworkError) Retryable() bool { return true }

// HttpStatus wraps a non-2xx/3xx HTTP response from the upstream API. Whether
// it is retryable is decided once, by the caller that classified it (the
// UpstreamClient), per the bit-exact contract in the component design.
type HttpStatus struct {
	Code         int
	retryable    bool
}

func NewHttpStatus(code int, retryable bool) *HttpStatus {
	return &HttpStatus{Code: code, retryable: retryable}
}

func (e *HttpStatus) Error() string    { return fmt.Sprintf("upstream returned HTTP %d", e.Code) }
func (e *HttpStatus) Retryable() bool  { return e.retryable }

// DecodeError wraps a failure to parse the upstream JSON body. Never retryable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string   { return fmt.Sprintf("decode upstream response: %v", e.Err) }
func (e *DecodeError) Unwrap() error   { return e.Err }
func (e *DecodeError) Retryable() bool { return false }

// CircuitOpen is returned immediately when a call is rejected by an OPEN
// circuit breaker. It is never retried within the same retry pass.
type CircuitOpen struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.Remaining)
}

// Retryable is always false: CircuitOpen must never be retried within the
// same retry pass (component design §4.3, testable property #5).
func (e *CircuitOpen) Retryable() bool { return false }

// RetriesExhausted is surfaced after a RetryPolicy gives up, preserving the
// final underlying cause.
type RetriesExhausted struct {
	Attempts int
	Cause    error
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}
func (e *RetriesExhausted) Unwrap() error { return e.Cause }

// UpdateTimeout is returned by a StatusRegister write that did not reach its
// required write consistency within the timeout. Non-fatal: gossip eventually
// reconciles.
var UpdateTimeout = errors.New("status register: update did not reach write quorum before timeout")

// GetFailure is returned by a StatusRegister read that failed outright (as
// opposed to a clean not-found).
type GetFailure struct {
	Err error
}

func (e *GetFailure) Error() string { return fmt.Sprintf("status register get failed: %v", e.Err) }
func (e *GetFailure) Unwrap() error { return e.Err }

// ErrNotFound is returned by a StatusRegister Get when no value has ever been
// written for the key.
var ErrNotFound = errors.New("status register: key not found")

// Retryable reports whether err should drive a retry attempt, per the default
// classification in the component design: network/IO errors and timeouts are
// retryable; HTTP-status errors carry their own explicit flag; decode errors,
// circuit-open, and anything unrecognized are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
