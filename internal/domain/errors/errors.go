package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Payment errors
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrInvalidGatewayReference = errors.New("invalid gateway reference")
	ErrPaymentNotRefundable    = errors.New("payment is not refundable")
	ErrRefundExceedsOriginal   = errors.New("refund amount exceeds original amount")
	ErrRefundCurrencyMismatch  = errors.New("refund currency must match original currency")
	ErrDuplicateOrderPayment   = errors.New("payment already exists for order")

	// Gateway errors
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayDeclined    = errors.New("payment declined by gateway")
	ErrGatewayTimeout     = errors.New("gateway request timeout")

	// Bus errors
	ErrBusNotConnected = errors.New("event bus is not connected")
	ErrRetriesExceeded = errors.New("retry ceiling exceeded")

	// Saga errors
	ErrSagaNotFound    = errors.New("saga not found")
	ErrSagaTerminal    = errors.New("saga already in terminal state")
	ErrUnknownSagaStep = errors.New("unknown saga step")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IllegalTransitionError identifies a rejected state machine transition.
// It carries the current state, the attempted target, and the targets that
// are legal from the current state.
type IllegalTransitionError struct {
	From  string
	To    string
	Legal []string
}

func (e *IllegalTransitionError) Error() string {
	legal := "none"
	if len(e.Legal) > 0 {
		legal = strings.Join(e.Legal, ", ")
	}
	return fmt.Sprintf("illegal transition from %s to %s (legal targets: %s)", e.From, e.To, legal)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// NewIllegalTransition creates a new IllegalTransitionError.
func NewIllegalTransition(from, to string, legal []string) *IllegalTransitionError {
	return &IllegalTransitionError{From: from, To: to, Legal: legal}
}
