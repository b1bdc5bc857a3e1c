/*
Package commission fans a payment event out to the payer's upline.

ALGORITHM:

	For every closure edge of the payer (level 1..50, ascending):
	  1. resolve the ancestor's badge through the tier registry
	  2. look up the band for the level in the rate table
	  3. pay iff badge found AND level <= unlock_levels AND amount > 0,
	     otherwise skip with a reason code
	  4. pay = ledger Append with key "{event_type}:{event_id}:L{level}:{ancestor}"

	Levels are independent and run on a bounded worker pool. Re-running an
	event derives the same keys, so the ledger deduplicates already-paid
	levels and only fills the gaps a failed or cancelled run left behind.

DECISION TRACE:

	Every level produces a Decision, paid or not. The trace is returned to
	the caller and persisted so operators can explain any payout later.
*/
package commission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
)

// Event is an inbound payment/upgrade/reward event.
type Event struct {
	PayerID    ledger.UserID
	EventType  string
	EventID    string
	BaseAmount decimal.Decimal
	// Deduction is subtracted from BaseAmount under the
	// net_of_previous_tier rule (e.g. the price of the badge being upgraded).
	Deduction decimal.Decimal
}

func (e Event) Validate() error {
	var problems []string
	if e.PayerID == "" {
		problems = append(problems, "payer_id is required")
	}
	if e.EventType == "" {
		problems = append(problems, "event_type is required")
	}
	if e.EventID == "" {
		problems = append(problems, "event_id is required")
	}
	if e.BaseAmount.IsNegative() {
		problems = append(problems, "base_amount must not be negative")
	}
	if e.Deduction.IsNegative() {
		problems = append(problems, "deduction must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// BASE RULES
// =============================================================================

type BaseMode string

const (
	BaseFull              BaseMode = "full"
	BaseNetOfPreviousTier BaseMode = "net_of_previous_tier"
)

// Rule decides, per event type, what amount percentage bands apply to and
// which balance receives the commission.
type Rule struct {
	Mode        BaseMode
	BalanceType ledger.BalanceType
}

func (r Rule) Base(e Event) decimal.Decimal {
	if r.Mode != BaseNetOfPreviousTier {
		return e.BaseAmount
	}
	net := e.BaseAmount.Sub(e.Deduction)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// Rules maps event types to rules; unknown types use Default.
type Rules struct {
	Default Rule
	ByEvent map[string]Rule
}

func DefaultRules() Rules {
	return Rules{Default: Rule{Mode: BaseFull, BalanceType: ledger.BalanceWithdrawable}}
}

func (r Rules) For(eventType string) Rule {
	rule, ok := r.ByEvent[eventType]
	if !ok {
		rule = r.Default
	}
	if rule.Mode == "" {
		rule.Mode = BaseFull
	}
	if rule.BalanceType == "" {
		rule.BalanceType = ledger.BalanceWithdrawable
	}
	return rule
}

func (r Rules) Validate() error {
	check := func(name string, rule Rule) error {
		if rule.Mode != "" && rule.Mode != BaseFull && rule.Mode != BaseNetOfPreviousTier {
			return fmt.Errorf("%w: event type %s has base mode %q", ErrInvalidRule, name, rule.Mode)
		}
		if rule.BalanceType != "" && !rule.BalanceType.Valid() {
			return fmt.Errorf("%w: event type %s has balance type %q", ErrInvalidRule, name, rule.BalanceType)
		}
		return nil
	}
	if err := check("default", r.Default); err != nil {
		return err
	}
	for name, rule := range r.ByEvent {
		if err := check(name, rule); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// DECISIONS
// =============================================================================

type Outcome string

const (
	OutcomePay    Outcome = "pay"
	OutcomeSkip   Outcome = "skip"
	OutcomeFailed Outcome = "failed" // pay decision whose ledger write failed
)

// Skip reasons.
const (
	ReasonNoBadge          = "no_badge"
	ReasonLevelLocked      = "level_locked"
	ReasonNoAmountForLevel = "no_amount_for_level"
)

// Decision is one level of the trace.
type Decision struct {
	EventType       string
	EventID         string
	PayerID         ledger.UserID
	Level           int
	AncestorID      ledger.UserID
	DirectSponsorID ledger.UserID

	BadgeFound   bool
	BadgeName    string
	UnlockLevels int
	Source       string

	RateKind  string
	RateValue decimal.Decimal
	Amount    decimal.Decimal

	Outcome Outcome
	Reason  string

	IdempotencyKey string
	EntryID        string
	AlreadyApplied bool
	Error          string
	DecidedAt      time.Time

	err error
}

// cause is the error that failed the level. Decisions loaded from a trace
// only carry the message.
func (d Decision) cause() error {
	if d.err != nil {
		return d.err
	}
	return errors.New(d.Error)
}

// Paid reports whether the level is credited (now or by an earlier run).
func (d Decision) Paid() bool { return d.Outcome == OutcomePay }

// Result aggregates one Distribute call.
type Result struct {
	EventType        string
	EventID          string
	PayerID          ledger.UserID
	BaseAmount       decimal.Decimal
	LevelsPaid       int
	LevelsSkipped    int
	NewlyApplied     int
	TotalDistributed decimal.Decimal
	Decisions        []Decision
	Failed           int
}

// IdempotencyKey is the ledger key for one level of one event.
func IdempotencyKey(eventType, eventID string, level int, ancestor ledger.UserID) string {
	return fmt.Sprintf("%s:%s:L%d:%s", eventType, eventID, level, ancestor)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrInvalidEvent        = errors.New("invalid commission event")
	ErrInvalidRule         = errors.New("invalid commission rule")
	ErrPartialDistribution = errors.New("commission distribution partially failed")
	ErrMissingDependency   = errors.New("commission engine dependency missing")
)

// PartialDistributionError lists the levels whose credit failed. Levels
// that succeeded are already applied; retrying the whole event is safe.
type PartialDistributionError struct {
	EventType string
	EventID   string
	Failures  map[int]error
}

func (e *PartialDistributionError) Error() string {
	levels := e.Levels()
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		parts = append(parts, fmt.Sprintf("L%d: %v", l, e.Failures[l]))
	}
	return fmt.Sprintf("%s:%s: %d level(s) failed: %s", e.EventType, e.EventID, len(levels), strings.Join(parts, "; "))
}

func (e *PartialDistributionError) Unwrap() error { return ErrPartialDistribution }

func (e *PartialDistributionError) Levels() []int {
	levels := make([]int, 0, len(e.Failures))
	for l := range e.Failures {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}
