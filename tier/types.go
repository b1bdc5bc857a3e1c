/*
Package tier resolves badge tiers and commission rates.

PURPOSE:

	A user's badge decides how deep into their downline they can earn:
	UnlockLevels = N means commissions from levels 1..N are payable to them.
	Badges come from several sources with a fixed precedence (current
	holding, legacy status joined with config, admin-assigned card); the
	Registry asks each Resolver in order and keeps the name of the first
	one that answered so commission traces can say where a badge came from.

	The RateTable maps a level to a band: a percentage of the base amount
	or a flat amount per level.

SEE ALSO:
  - resolver.go: Resolver strategies
  - registry.go: ordered lookup with TTL cache
  - rates.go: level-banded commission rates
*/
package tier

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
)

var (
	ErrUnknownBadge  = errors.New("unknown badge")
	ErrInvalidTier   = errors.New("invalid badge tier")
	ErrInvalidRates  = errors.New("invalid commission rate table")
	ErrNoResolvers   = errors.New("at least one badge resolver is required")
	ErrStoreRequired = errors.New("badge store is required")
)

// MaxUnlockLevels mirrors the deepest closure level.
const MaxUnlockLevels = 50

// Badge is a resolved badge for one user.
type Badge struct {
	Name         string
	UnlockLevels int
	AcquiredAt   time.Time
}

// Tier is one configured badge tier.
type Tier struct {
	Name         string
	UnlockLevels int
	Price        decimal.Decimal
	Rank         int // higher rank = higher tier; upgrades go up in rank
}

// Tiers is the BadgeTierConfig keyed by badge name.
type Tiers struct {
	byName map[string]Tier
}

func NewTiers(tiers ...Tier) (Tiers, error) {
	t := Tiers{byName: make(map[string]Tier, len(tiers))}
	for _, tier := range tiers {
		if tier.Name == "" {
			return Tiers{}, fmt.Errorf("%w: name is required", ErrInvalidTier)
		}
		if tier.UnlockLevels < 1 || tier.UnlockLevels > MaxUnlockLevels {
			return Tiers{}, fmt.Errorf("%w: %s unlock_levels %d outside 1..%d", ErrInvalidTier, tier.Name, tier.UnlockLevels, MaxUnlockLevels)
		}
		if tier.Price.IsNegative() {
			return Tiers{}, fmt.Errorf("%w: %s price is negative", ErrInvalidTier, tier.Name)
		}
		if _, dup := t.byName[tier.Name]; dup {
			return Tiers{}, fmt.Errorf("%w: duplicate badge %s", ErrInvalidTier, tier.Name)
		}
		t.byName[tier.Name] = tier
	}
	return t, nil
}

func (t Tiers) Lookup(name string) (Tier, bool) {
	tier, ok := t.byName[name]
	return tier, ok
}

// All returns the tiers ordered by rank.
func (t Tiers) All() []Tier {
	out := make([]Tier, 0, len(t.byName))
	for _, tier := range t.byName {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Holding is a row of the current-holding table.
type Holding struct {
	UserID       ledger.UserID
	BadgeName    string
	UnlockLevels int
	AcquiredAt   time.Time
	// EventID is the acquisition event, empty for unkeyed grants.
	EventID string
}
