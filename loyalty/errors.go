/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver errors into these; the API layer maps them to
  HTTP status codes.

ERROR CATEGORIES:
  1. Validation errors - Business rule violations (client's fault)
     RewardNotFound, InsufficientStock, InsufficientPoints,
     InvalidStatusTransition, ErrValidation, ErrDuplicateOrder
  2. Conflict errors - Transaction conflicts, retried a bounded number of times
     ErrConcurrentModification
  3. Storage errors - Fatal to the request, never retried silently
     LedgerWriteError

USAGE:
  Sentinels work with errors.Is, structured errors with errors.As:

    var stockErr *loyalty.InsufficientStockError
    if errors.As(err, &stockErr) {
        log.Printf("reward %d has %d left", stockErr.RewardID, stockErr.Available)
    }

SEE ALSO:
  - retry.go: Which errors are retried
  - api/handlers.go: Error to HTTP status mapping
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRewardNotFound is returned when a reward is missing or inactive.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrInsufficientStock is returned when a line asks for more than the stock.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientPoints is returned when the balance cannot cover a debit.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrInvalidStatusTransition is returned for any transition outside the table.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrConcurrentModification is returned when the storage engine reports a
	// conflicting concurrent transaction (serialization failure, lock timeout).
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerWrite is returned when a ledger entry cannot be persisted.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrRedemptionNotFound is returned for an unknown redemption id.
	ErrRedemptionNotFound = errors.New("redemption not found")

	// ErrDuplicateOrder is returned when points were already earned for an order.
	ErrDuplicateOrder = errors.New("points already earned for order")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInvariantViolation is returned when a write would break a standing invariant.
	ErrInvariantViolation = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type RewardNotFoundError struct {
	RewardID int64
	Inactive bool
}

func (e *RewardNotFoundError) Error() string {
	if e.Inactive {
		return fmt.Sprintf("reward not found: %d is inactive", e.RewardID)
	}
	return fmt.Sprintf("reward not found: %d", e.RewardID)
}

func (e *RewardNotFoundError) Unwrap() error { return ErrRewardNotFound }

type InsufficientStockError struct {
	RewardID  int64
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for reward %d: available %d, requested %d",
		e.RewardID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InsufficientPointsError provides details about a balance shortage.
type InsufficientPointsError struct {
	UserID    string
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

type InvalidStatusTransitionError struct {
	From RedemptionStatus
	To   RedemptionStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *InvalidStatusTransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// LedgerWriteError wraps the storage fault behind a failed append.
type LedgerWriteError struct {
	EntryType EntryType
	Err       error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed (%s): %v", e.EntryType, e.Err)
}

func (e *LedgerWriteError) Unwrap() []error { return []error{ErrLedgerWrite, e.Err} }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type InvariantError struct {
	RedemptionID int64
	Reason       string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("redemption %d: %s", e.RedemptionID, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole transaction might succeed on retry.
// A LedgerWriteError is never retryable, even when its cause is a conflict.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrLedgerWrite) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrDuplicateOrder)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRedemptionNotFound)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
