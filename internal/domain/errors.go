package domain

import "fmt"

// Machine-readable error codes carried on API error responses.
const (
	CodeMissingFields   = "MISSING_FIELDS"
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeInvalidCurrency = "INVALID_CURRENCY"
	CodePaymentExists   = "PAYMENT_EXISTS"
	CodePaymentNotFound = "PAYMENT_NOT_FOUND"
	CodeInvalidStatus   = "INVALID_STATUS"
	CodeAlreadyRefunded = "ALREADY_REFUNDED"
	CodeConflict        = "CONFLICT"
	CodePaymentError    = "PAYMENT_ERROR"
)

// ValidationError reports caller-correctable input problems.
type ValidationError struct {
	Code    string
	Message string
	// Fields lists the missing required fields for CodeMissingFields.
	Fields []string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError reports that the request lost against concurrent state: a
// duplicate active payment or an exhausted optimistic-retry loop.
type ConflictError struct {
	Code    string
	Message string
	// Reference identifies the already-active transaction for
	// CodePaymentExists, when known.
	Reference string
}

func (e *ConflictError) Error() string { return e.Message }

// NotFoundError reports an unknown transaction reference.
type NotFoundError struct {
	Reference string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("payment transaction %s not found", e.Reference)
}

// StateError reports an operation that is invalid for the payment's current
// status. The status is included so callers can reconcile.
type StateError struct {
	Code    string
	Message string
	Status  Status
}

func (e *StateError) Error() string { return e.Message }
