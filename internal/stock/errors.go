package stock

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the stock position does not exist.
	ErrNotFound = errors.New("stock: no inventory position for this variant at this branch")
	// ErrConflict indicates a duplicate account, ledger key or request key.
	ErrConflict = errors.New("stock: conflict")
	// ErrTransient marks infrastructure failures that left no partial state behind.
	ErrTransient = errors.New("stock: transient failure")
	// ErrInsufficientStock is matched by *InsufficientStockError.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
)

// Validation errors.
var (
	ErrInvalidKey         = errors.New("stock: variant and branch must be positive")
	ErrInvalidActor       = errors.New("stock: actor must be positive")
	ErrInvalidQuantity    = errors.New("stock: quantity must be greater than zero")
	ErrUnknownReason      = errors.New("stock: unknown reason code")
	ErrPriceRequired      = errors.New("stock: unit price required for sales")
	ErrInvalidPrice       = errors.New("stock: unit price must be >= 0")
	ErrPricePrecision     = errors.New("stock: unit price allows at most two decimal places")
	ErrDirectionMismatch  = errors.New("stock: delta sign does not match reason code")
	ErrNegativeTarget     = errors.New("stock: target quantity must be >= 0")
	ErrInvalidRequestKey  = errors.New("stock: request key must be a UUID")
	ErrInvalidRange       = errors.New("stock: date range end before start")
	ErrAccountHasHistory  = fmt.Errorf("%w: account still has stock or ledger history", ErrConflict)
	ErrLockNotHeld        = fmt.Errorf("%w: quantity written without holding the row lock", ErrConflict)
	ErrDuplicateRequest   = fmt.Errorf("%w: request key already applied", ErrConflict)
	ErrDuplicateAccount   = fmt.Errorf("%w: stock position already exists", ErrConflict)
	ErrDuplicateLedgerKey = fmt.Errorf("%w: ledger transaction id already used", ErrConflict)
)

// InsufficientStockError carries the balances needed for an actionable message.
type InsufficientStockError struct {
	Key       Key
	Current   int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: current=%d, requested=%d", e.Current, e.Requested)
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsValidation reports whether err came from request validation.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidKey, ErrInvalidActor, ErrInvalidQuantity, ErrUnknownReason, ErrPriceRequired,
		ErrInvalidPrice, ErrPricePrecision, ErrDirectionMismatch, ErrNegativeTarget, ErrInvalidRequestKey, ErrInvalidRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}
