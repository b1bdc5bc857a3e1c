/*
Package ledger provides the BSK transaction ledger and its balance projection.

PURPOSE:

	Every change to a user's BSK balance is an immutable LedgerEntry. The
	ledger is the single source of truth; the BalanceSnapshot kept next to it
	is a materialized view with exactly one producer (Ledger.Append).

KEY CONCEPTS IN THIS FILE (types.go):
  - UserID, BalanceType, TxType: type-safe identifiers and enums
  - Entry: an immutable ledger row with an idempotency key
  - Snapshot: the denormalized current balance per (user, balance type)

BALANCE TYPES:

	withdrawable: freely spendable/withdrawable BSK
	holding:      locked BSK (vesting, program-specific lockups)

SEE ALSO:
  - ledger.go: Append / GetBalance / SumLedger / History
  - store.go: persistence interfaces
  - store/sqlite: production implementation
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & ENUMS
// =============================================================================

type UserID string

type BalanceType string

const (
	BalanceWithdrawable BalanceType = "withdrawable"
	BalanceHolding      BalanceType = "holding"
)

// BalanceTypes lists every balance pool a user has.
var BalanceTypes = []BalanceType{BalanceWithdrawable, BalanceHolding}

func (b BalanceType) Valid() bool {
	return b == BalanceWithdrawable || b == BalanceHolding
}

// ParseBalanceType accepts the wire name of a balance pool.
func ParseBalanceType(s string) (BalanceType, error) {
	b := BalanceType(s)
	if !b.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBalanceType, s)
	}
	return b, nil
}

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

func (t TxType) Valid() bool { return t == TxCredit || t == TxDebit }

// Well-known subtypes. Subtype is free-form; these are the ones the engine writes.
const (
	SubtypeBadgePurchase = "badge_purchase"
	SubtypeCommission    = "commission"
	SubtypeMilestone     = "milestone"
	SubtypeAdminCredit   = "admin_credit"
	SubtypeAdminDebit    = "admin_debit"
	SubtypeTransfer      = "transfer"
)

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

// Metadata carries the originating event id/type, level, counterparty and
// anything else worth keeping for explainability.
type Metadata map[string]string

type Entry struct {
	ID             string
	UserID         UserID
	IdempotencyKey string
	Type           TxType
	Subtype        string
	BalanceType    BalanceType
	Amount         decimal.Decimal
	Metadata       Metadata
	CreatedAt      time.Time
}

// Signed returns the amount with the sign it has on the balance.
func (e Entry) Signed() decimal.Decimal {
	if e.Type == TxDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Validate checks the structural invariants of an entry before it is written.
func (e Entry) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidEntry)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: tx type %q", ErrInvalidEntry, e.Type)
	}
	if !e.BalanceType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBalanceType, e.BalanceType)
	}
	if e.Subtype == "" {
		return fmt.Errorf("%w: subtype is required", ErrInvalidEntry)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidEntry, e.Amount)
	}
	return nil
}

// =============================================================================
// SNAPSHOT - Projected current balance
// =============================================================================

type Snapshot struct {
	UserID           UserID
	BalanceType      BalanceType
	Current          decimal.Decimal
	LifetimeCredited decimal.Decimal
	LifetimeDebited  decimal.Decimal
	UpdatedAt        time.Time
}

// EmptySnapshot is the balance of an account that has never been written.
func EmptySnapshot(user UserID, bt BalanceType) Snapshot {
	return Snapshot{
		UserID:           user,
		BalanceType:      bt,
		Current:          decimal.Zero,
		LifetimeCredited: decimal.Zero,
		LifetimeDebited:  decimal.Zero,
	}
}

// Apply folds one entry into the snapshot.
func (s Snapshot) Apply(e Entry) Snapshot {
	switch e.Type {
	case TxCredit:
		s.LifetimeCredited = s.LifetimeCredited.Add(e.Amount)
	case TxDebit:
		s.LifetimeDebited = s.LifetimeDebited.Add(e.Amount)
	}
	s.Current = s.Current.Add(e.Signed())
	s.UpdatedAt = e.CreatedAt
	return s
}

// Sums is a recomputation of one account straight from the entries.
type Sums struct {
	Credited decimal.Decimal
	Debited  decimal.Decimal
	Count    int
}

func (s Sums) Net() decimal.Decimal { return s.Credited.Sub(s.Debited) }

// =============================================================================
// HISTORY FILTER
// =============================================================================

// HistoryFilter selects entries for the transaction history query.
// Zero values mean "no constraint". The date range is half-open:
// From <= created_at < To. Results are newest first.
type HistoryFilter struct {
	UserID      UserID
	BalanceType BalanceType
	Subtype     string
	Type        TxType
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Normalize clamps paging values.
func (f HistoryFilter) Normalize() HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether e passes every non-paging constraint of f.
func (f HistoryFilter) Matches(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.BalanceType != "" && e.BalanceType != f.BalanceType {
		return false
	}
	if f.Subtype != "" && e.Subtype != f.Subtype {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}
