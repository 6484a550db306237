package common

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the failure taxonomy shared by the storage and
// cart layers.
var (
	// ErrTenantRequired indicates an operation that requires a tenant scope
	// ran without one. Precondition failure, never silently defaulted.
	ErrTenantRequired = errors.New("tenant scope required")
	// ErrNotFound indicates a referenced row does not exist or does not
	// belong to the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation surfaced by the storage
	// layer.
	ErrConflict = errors.New("conflict")
	// ErrTxAborted indicates a serialization failure or transaction timeout.
	// The core does not retry; callers may re-run the whole operation.
	ErrTxAborted = errors.New("transaction aborted")
)

// StockError reports a requested quantity above the currently available
// stock. It carries the available amount so callers can self-correct.
type StockError struct {
	SKUID     string
	Requested int64
	Available int64
}

// Error implements the error interface.
func (e *StockError) Error() string {
	return fmt.Sprintf("sku %s: requested %d exceeds available stock %d", e.SKUID, e.Requested, e.Available)
}

// SKUInactiveError reports an attempt to add a SKU that is not sellable.
type SKUInactiveError struct {
	SKUID  string
	Status string
}

// Error implements the error interface.
func (e *SKUInactiveError) Error() string {
	return fmt.Sprintf("sku %s is not sellable (status %s)", e.SKUID, e.Status)
}

// IsValidation reports whether the error is a client-correctable validation
// failure.
func IsValidation(err error) bool {
	var stock *StockError
	var inactive *SKUInactiveError
	return errors.As(err, &stock) || errors.As(err, &inactive)
}

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// AsAppError extracts an AppError from the chain when one is present, so a
// layer that already classified a failure keeps its code and status.
func AsAppError(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
