package ballistics

import (
	"errors"
	"fmt"
)

// Reason is the machine readable cause of a failed result.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNoPenetrationFound Reason = "no_penetration_found"
	ReasonInsufficientData   Reason = "insufficient_data"
	ReasonFitFailed          Reason = "fit_failed"
	ReasonFitNumericalError  Reason = "fit_numerical_error"
	ReasonCriticalFailure    Reason = "critical_failure"
	ReasonInvalidParams      Reason = "invalid_params"
)

// Error is a solve failure with context. Errors compare equal under
// errors.Is when their reasons match.
type Error struct {
	// Reason classifies the failure
	Reason Reason
	// Op is the operation that failed.
	Op string
	// Message describes the error that occurred.
	Message string
	// Err is the underlying error, if any.
	Err error
}

// Sentinel errors for errors.Is checks.
var (
	ErrNoPenetrationFound = &Error{Reason: ReasonNoPenetrationFound, Message: "no penetration found during expansion"}
	ErrInsufficientData   = &Error{Reason: ReasonInsufficientData, Message: "not enough data points for fitting"}
	ErrFitFailed          = &Error{Reason: ReasonFitFailed, Message: "curve fitting did not converge"}
	ErrFitNumerical       = &Error{Reason: ReasonFitNumericalError, Message: "numerical error during fitting"}
	ErrInvalidParams      = &Error{Reason: ReasonInvalidParams, Message: "invalid search parameters"}
)

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := string(e.Reason)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return prefix
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Reason == t.Reason
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// Detail returns the human readable part of the error without the reason code.
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Message != "" {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Message
}

func newError(reason Reason, op, message string, err error) *Error {
	return &Error{Reason: reason, Op: op, Message: message, Err: err}
}

// ReasonOf extracts the failure reason from err, or ReasonCriticalFailure for
// errors that did not originate in this package.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if e, ok := IsSolveError(err); ok {
		return e.Reason
	}
	return ReasonCriticalFailure
}

// IsSolveError checks if err or any error it wraps is an *Error.
func IsSolveError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
