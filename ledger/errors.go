package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned by stores when the key already
	// exists. Ledger.Append turns it into a Duplicate result: for callers an
	// already-applied operation is not a failure.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyConflict is returned when a batch mixes applied and
	// unapplied keys, which means two different operations share keys.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidEntry        = errors.New("invalid ledger entry")
	ErrInvalidBalanceType  = errors.New("invalid balance type")
	ErrStoreRequired       = errors.New("ledger store is required")

	// ErrStoreBusy wraps lock contention reported by the database. The
	// operation was rolled back and can be retried with the same key.
	ErrStoreBusy = errors.New("ledger store busy")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID      UserID
	BalanceType BalanceType
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: available %s, requested %s, shortfall %s",
		e.BalanceType, e.UserID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input or a
// failed precondition the caller must not retry automatically.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInvalidBalanceType) ||
		errors.Is(err, ErrIdempotencyConflict)
}

// IsRetryable returns true if repeating the same operation, with the same
// idempotency key, may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreBusy)
}
