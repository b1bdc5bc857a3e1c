/*
Package milestone awards one-time bonuses to VIP users for direct VIP referrals.

STATE MACHINE (per user):

	NoTracker --first VIP acquisition--> Tracking
	Tracking: per threshold  Unclaimed --count >= threshold--> Claimed

	Claimed flags never go back. The bonus key "milestone:{user}:{threshold}"
	makes each threshold pay at most once even if the claim row is lost.

COUNTING:

	Only level-1 (direct, locked) referrals count, and only their VIP
	acquisitions strictly after the tracker's VIPAcquiredAt.

RE-ACQUISITION:

	PolicyAccumulate keeps the first VIPAcquiredAt forever.
	PolicyReset moves it to the re-acquisition time, so counting starts
	over; thresholds already claimed stay claimed.
*/
package milestone

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
)

type Policy string

const (
	PolicyAccumulate Policy = "accumulate"
	PolicyReset      Policy = "reset"
)

func (p Policy) Valid() bool { return p == PolicyAccumulate || p == PolicyReset }

var (
	ErrInvalidThresholds = errors.New("invalid milestone thresholds")
	ErrInvalidPolicy     = errors.New("invalid milestone re-acquisition policy")
	ErrStoreRequired     = errors.New("milestone store is required")
)

// Threshold is a direct-VIP count and the bonus it pays.
type Threshold struct {
	Count int
	Bonus decimal.Decimal
}

// Thresholds is sorted ascending by Count.
type Thresholds []Threshold

func NewThresholds(ts ...Threshold) (Thresholds, error) {
	out := append(Thresholds(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Count < out[j].Count })
	for i, t := range out {
		if t.Count <= 0 {
			return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidThresholds, t.Count)
		}
		if !t.Bonus.IsPositive() {
			return nil, fmt.Errorf("%w: bonus for %d must be positive", ErrInvalidThresholds, t.Count)
		}
		if i > 0 && out[i-1].Count == t.Count {
			return nil, fmt.Errorf("%w: duplicate threshold %d", ErrInvalidThresholds, t.Count)
		}
	}
	return out, nil
}

// DefaultThresholds are 10/50/100/250/500 direct VIP referrals.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{Count: 10, Bonus: decimal.NewFromInt(1000)},
		{Count: 50, Bonus: decimal.NewFromInt(6000)},
		{Count: 100, Bonus: decimal.NewFromInt(15000)},
		{Count: 250, Bonus: decimal.NewFromInt(45000)},
		{Count: 500, Bonus: decimal.NewFromInt(100000)},
	}
}

// Claim records a paid threshold.
type Claim struct {
	Threshold int
	Bonus     decimal.Decimal
	ClaimedAt time.Time
	EntryID   string
}

type Tracker struct {
	UserID         ledger.UserID
	VIPAcquiredAt  time.Time
	DirectVIPCount int
	Claims         map[int]Claim
	UpdatedAt      time.Time
}

func (t Tracker) Claimed(threshold int) bool {
	_, ok := t.Claims[threshold]
	return ok
}

// IdempotencyKey is the ledger key of a threshold bonus.
func IdempotencyKey(user ledger.UserID, threshold int) string {
	return fmt.Sprintf("milestone:%s:%d", user, threshold)
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	UserID    ledger.UserID
	Rejected  bool
	Reason    string // set when Rejected
	Count     int
	NewClaims []Claim
	Tracker   Tracker
}

const ReasonNotVIP = "not_vip"

// Progress is the read model for the milestone query.
type Progress struct {
	UserID        ledger.UserID
	Tracking      bool
	VIPAcquiredAt *time.Time
	Count         int
	Next          *Threshold
	Remaining     int
	Claims        []Claim
}
