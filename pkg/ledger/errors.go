package ledger

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by this package matches exactly one of them.
var (
	ErrFormat       = errors.New("format error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrStore        = errors.New("store error")
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidDuration      = fmt.Errorf("%w: invalid duration", ErrFormat)
	ErrInvalidCurrency      = fmt.Errorf("%w: invalid currency", ErrFormat)
	ErrInvalidActor         = fmt.Errorf("%w: invalid actor", ErrFormat)
	ErrInvalidDescription   = fmt.Errorf("%w: invalid description", ErrFormat)
	ErrInvalidPaymentMethod = fmt.Errorf("%w: invalid payment method", ErrFormat)
	ErrInvalidUserID        = fmt.Errorf("%w: invalid user id", ErrFormat)
	ErrInvalidEntryID       = fmt.Errorf("%w: invalid entry id", ErrFormat)
	ErrInvalidMetadataJSON  = fmt.Errorf("%w: invalid metadata json", ErrFormat)
	ErrInvalidUnitPrice     = fmt.Errorf("%w: invalid unit price", ErrFormat)
	ErrEmptyTab             = fmt.Errorf("%w: tab has no entries", ErrFormat)

	ErrTabRequiresSignIn = fmt.Errorf("%w: must be signed in to charge to a tab", ErrUnauthorized)
	ErrSignInRequired    = fmt.Errorf("%w: must be signed in", ErrUnauthorized)
	ErrAdminRequired     = fmt.Errorf("%w: administrator role required", ErrUnauthorized)

	ErrUnknownEntry      = fmt.Errorf("%w: unknown entry", ErrStore)
	ErrRebuildInProgress = fmt.Errorf("%w: rebuild already in progress", ErrStore)

	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Is reports store-originated failures as ErrStore.
func (operationError OperationError) Is(target error) bool {
	return target == ErrStore && operationError.operation == operationStore
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WrapStoreError wraps a backing store failure so that it matches ErrStore.
func WrapStoreError(subject string, code string, err error) error {
	return WrapError(operationStore, subject, code, err)
}
