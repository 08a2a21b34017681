package flarebypass

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleSession marks a transient driver failure caused by a reference
	// to a page, frame or node that the browser already discarded.
	ErrStaleSession = errors.New("stale browser session reference")

	// ErrPortRangeExhausted is returned when every port of the forwarder
	// range is already taken.
	ErrPortRangeExhausted = errors.New("port range exhausted")
)

// ValidationError is returned when a request misses required fields.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Message)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// BlockedError is returned when the site refused access outright.
// Signal holds the title or selector that matched.
type BlockedError struct {
	Signal string
}

func NewBlockedError(signal string) *BlockedError {
	return &BlockedError{
		Signal: signal,
	}
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("access blocked (%s): probably the IP is banned for this site", e.Signal)
}

// TimeoutError is returned when an operation times out.
type TimeoutError struct {
	Message string
}

func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{
		Message: message,
	}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Message)
}

// DriverTransientError wraps a driver failure that is worth retrying.
type DriverTransientError struct {
	Op    string
	Cause error
}

func NewDriverTransientError(op string, cause error) *DriverTransientError {
	return &DriverTransientError{
		Op:    op,
		Cause: cause,
	}
}

func (e *DriverTransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("driver %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("driver %s: transient failure", e.Op)
}

func (e *DriverTransientError) Is(target error) bool {
	return target == ErrStaleSession
}

func (e *DriverTransientError) Unwrap() error {
	return e.Cause
}

// SolverError is returned when a solve fails; Step names the state that failed.
type SolverError struct {
	Step string
	Err  error
}

func NewSolverError(step string, err error) *SolverError {
	return &SolverError{
		Step: step,
		Err:  err,
	}
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("error solving the challenge at step '%s': %v", e.Step, e.Err)
}

func (e *SolverError) Unwrap() error {
	return e.Err
}

// APIError is returned when the solver service answers with a failure.
type APIError struct {
	Message    string
	StatusCode int
}

func NewAPIError(message string, statusCode int) *APIError {
	return &APIError{
		Message:    message,
		StatusCode: statusCode,
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ChallengeError is returned when a challenge keeps coming back after solving.
type ChallengeError struct {
	Message string
}

func NewChallengeError(message string) *ChallengeError {
	return &ChallengeError{
		Message: message,
	}
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge error: %s", e.Message)
}

// ConnectionError is returned when connection to service fails.
type ConnectionError struct {
	Message string
	Cause   error
}

func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ProxyError is returned when proxy operation fails.
type ProxyError struct {
	Message string
	Cause   error
}

func NewProxyError(message string, cause error) *ProxyError {
	return &ProxyError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error: %s", e.Message)
}

func (e *ProxyError) Unwrap() error {
	return e.Cause
}
