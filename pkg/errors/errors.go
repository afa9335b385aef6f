package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different classes of failure in the collection engine
type ErrorType string

const (
	ErrorTypeTransientFetch     ErrorType = "transient_fetch"
	ErrorTypeQualityUnavailable ErrorType = "quality_unavailable"
	ErrorTypeParse              ErrorType = "parse"
	ErrorTypeWriteConflict      ErrorType = "write_conflict"
	ErrorTypeSessionState       ErrorType = "session_state"
	ErrorTypeFatalNavigation    ErrorType = "fatal_navigation"
)

// Error is a classified failure. Op names the operation that failed,
// Code carries an HTTP status when one is known.
type Error struct {
	Type ErrorType
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s error in %s (code %d): %s", e.Type, e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Type, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, op string, code int, err error) *Error {
	return &Error{Type: t, Op: op, Code: code, Err: err}
}

// Transient wraps a failure that may succeed on retry (network, 5xx, 429).
func Transient(op string, code int, err error) *Error {
	return newError(ErrorTypeTransientFetch, op, code, err)
}

// QualityUnavailable marks a quality tier that the server does not have.
func QualityUnavailable(op string, code int, err error) *Error {
	return newError(ErrorTypeQualityUnavailable, op, code, err)
}

func Parse(op string, err error) *Error {
	return newError(ErrorTypeParse, op, 0, err)
}

func WriteConflict(op string, err error) *Error {
	return newError(ErrorTypeWriteConflict, op, 0, err)
}

func SessionState(op string, err error) *Error {
	return newError(ErrorTypeSessionState, op, 0, err)
}

func FatalNavigation(op string, err error) *Error {
	return newError(ErrorTypeFatalNavigation, op, 0, err)
}

// TypeOf returns the type of the first classified error in the chain.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

func is(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}

func IsTransient(err error) bool          { return is(err, ErrorTypeTransientFetch) }
func IsQualityUnavailable(err error) bool { return is(err, ErrorTypeQualityUnavailable) }
func IsParse(err error) bool              { return is(err, ErrorTypeParse) }
func IsWriteConflict(err error) bool      { return is(err, ErrorTypeWriteConflict) }
func IsSessionState(err error) bool       { return is(err, ErrorTypeSessionState) }

// IsFatal reports errors that must end the current session.
func IsFatal(err error) bool {
	return is(err, ErrorTypeSessionState) || is(err, ErrorTypeFatalNavigation)
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransientFetch:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return false
	default:
		return statusCode >= 500
	}
}

// FromStatus classifies a non-2xx HTTP response.
// 403/404/410 mean the resource is not there at this quality; 408/429/5xx are transient.
// Any other status is returned as a parse-class error since retrying will not help.
func FromStatus(op string, statusCode int) *Error {
	err := fmt.Errorf("unexpected status %d", statusCode)
	switch {
	case statusCode == http.StatusForbidden || statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return QualityUnavailable(op, statusCode, err)
	case IsRetryableStatusCode(statusCode):
		return Transient(op, statusCode, err)
	default:
		return newError(ErrorTypeParse, op, statusCode, err)
	}
}
