package domain

import "errors"

var (
	ErrOrderItemNotFound    = errors.New("order item not found")
	ErrDeliveryItemNotFound = errors.New("delivery item not found")

	ErrInvalidQuantity       = errors.New("delivered quantity must be positive")
	ErrInvalidAmount         = errors.New("monetary amount must be non-negative")
	ErrInsufficientRemaining = errors.New("insufficient remaining quantity")
	ErrWouldUnderflow        = errors.New("adjustment would drive remaining quantity below zero")
	ErrWouldExceedRequested  = errors.New("adjustment would push remaining quantity above requested")

	ErrDirectMutationForbidden = errors.New("remaining quantity may only be set by the reconciliation engine")
	ErrRecalculationInvariant  = errors.New("ledger sum violates remaining-quantity bounds")

	// ErrConcurrencyConflict is transient: the caller may retry the whole
	// operation, including a fresh read.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrStorageUnavailable wraps connection-level store failures. The unit
	// of work was not committed; retrying with the original inputs is safe.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrDuplicateRequest = errors.New("duplicate request")
)

// IsRetryable reports whether the caller may safely retry the operation
// with the original inputs. Validation failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageUnavailable)
}
