package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeAuthorization ErrorType = "authorization"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeInternal      ErrorType = "internal"
)

// QueueError represents a structured error in the queue engine
type QueueError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *QueueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *QueueError) Unwrap() error {
	return e.Cause
}

// Domain error codes
const (
	ErrCodeInvalidTransition        = "INVALID_TRANSITION"
	ErrCodeConcurrentExamInProgress = "CONCURRENT_EXAM_IN_PROGRESS"
	ErrCodeNoWaitingTicket          = "NO_WAITING_TICKET"
	ErrCodeNotFound                 = "NOT_FOUND"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeTicketMismatch           = "TICKET_MISMATCH"
	ErrCodeInternalError            = "INTERNAL_ERROR"
)

// NewInvalidTransitionError creates an error for an illegal status edge
func NewInvalidTransitionError(from, to TicketStatus) *QueueError {
	return &QueueError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot transition ticket from %s to %s", from, to),
		Details: map[string]interface{}{"from": string(from), "to": string(to)},
	}
}

// NewConcurrentExamError creates an error for the single-active-ticket violation
func NewConcurrentExamError(doctorID, day, conflictingTicketID string) *QueueError {
	return &QueueError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeConcurrentExamInProgress,
		Message: fmt.Sprintf("another exam is already in progress for doctor %s on %s", doctorID, day),
		Details: map[string]interface{}{"conflicting_ticket_id": conflictingTicketID},
	}
}

// NewNoWaitingTicketError creates an error for an empty waiting queue
func NewNoWaitingTicketError(doctorID, day string) *QueueError {
	return &QueueError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNoWaitingTicket,
		Message: fmt.Sprintf("no waiting ticket for doctor %s on %s", doctorID, day),
	}
}

// NewNotFoundError creates an error for a missing ticket
func NewNotFoundError(message string) *QueueError {
	return &QueueError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNotFound,
		Message: message,
	}
}

// NewForbiddenError creates an access-scoping rejection
func NewForbiddenError(message string) *QueueError {
	return &QueueError{
		Type:    ErrorTypeAuthorization,
		Code:    ErrCodeForbidden,
		Message: message,
	}
}

// NewTicketMismatchError creates an error for a patient presenting the wrong ticket
func NewTicketMismatchError(ticketID, doctorID, day string) *QueueError {
	return &QueueError{
		Type:    ErrorTypeAuthorization,
		Code:    ErrCodeTicketMismatch,
		Message: fmt.Sprintf("ticket %s does not belong to queue for doctor %s on %s", ticketID, doctorID, day),
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *QueueError {
	return &QueueError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode extracts the queue error code from an error, or "" if it is
// not a QueueError
func ErrorCode(err error) string {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}
