package closure

import (
	"errors"
	"strings"
)

var (
	ErrNotFound            = errors.New("closure: not found")
	ErrForbidden           = errors.New("closure: forbidden")
	ErrBadStatus           = errors.New("closure: invalid status transition")
	ErrExpired             = errors.New("closure: request expired")
	ErrActiveClosureExists = errors.New("closure: active request exists for dispute")
	ErrIneligible          = errors.New("closure: not eligible")
	ErrInvalid             = errors.New("closure: invalid request")
)

const (
	msgNotFound       = "Mutual closure request not found"
	msgExpired        = "This mutual closure request has expired"
	msgActiveExists   = "There is already an active mutual closure request for this dispute"
	msgDisputeMissing = "Dispute not found"
)

// Error is a workflow refusal whose message is safe to show to the caller.
// It unwraps to one of the package sentinels.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func fail(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// ValidationError lists business-rule violations of a create request.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string { return strings.Join(e.Violations, "; ") }

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// IneligibleError lists why a user may not open a request on a dispute.
type IneligibleError struct {
	Reasons []string
}

func (e *IneligibleError) Error() string {
	if len(e.Reasons) == 0 {
		return "Not eligible for mutual closure"
	}
	return "Not eligible for mutual closure: " + strings.Join(e.Reasons, "; ")
}

func (e *IneligibleError) Unwrap() error { return ErrIneligible }

// OperationError replaces an unexpected failure at an operation boundary.
// The cause stays reachable through errors.Unwrap for logging.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string { return "An error occurred while " + e.Op }

func (e *OperationError) Unwrap() error { return e.Err }

// Message returns the caller-facing text of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var (
		wf  *Error
		ve  *ValidationError
		ie  *IneligibleError
		ope *OperationError
	)
	switch {
	case errors.As(err, &wf):
		return wf.Message
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &ie):
		return ie.Error()
	case errors.As(err, &ope):
		return ope.Error()
	default:
		return "An unexpected error occurred"
	}
}
