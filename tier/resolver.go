package tier

import (
	"context"

	"github.com/warp/bsk-engine/ledger"
)

// Source names recorded in commission traces.
const (
	SourceHolding = "badge_holdings"
	SourceStatus  = "user_badge_status"
	SourceCard    = "badge_cards"
)

// Resolver is one badge source. found=false means "ask the next one".
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, user ledger.UserID) (badge Badge, found bool, err error)
}

// =============================================================================
// CURRENT HOLDING
// =============================================================================

// HoldingStore reads and writes the current-holding table plus the
// acquisition history that milestone counting uses.
type HoldingStore interface {
	CurrentBadge(ctx context.Context, user ledger.UserID) (Holding, bool, error)
	// RecordAcquisition appends to history and replaces the current holding
	// unless that holding was acquired later.
	RecordAcquisition(ctx context.Context, h Holding) error
}

type HoldingResolver struct {
	Store HoldingStore
	Tiers Tiers
}

func (r HoldingResolver) Name() string { return SourceHolding }

func (r HoldingResolver) Resolve(ctx context.Context, user ledger.UserID) (Badge, bool, error) {
	h, ok, err := r.Store.CurrentBadge(ctx, user)
	if err != nil || !ok {
		return Badge{}, false, err
	}
	levels := h.UnlockLevels
	if levels <= 0 {
		tier, known := r.Tiers.Lookup(h.BadgeName)
		if !known {
			return Badge{}, false, nil
		}
		levels = tier.UnlockLevels
	}
	return Badge{Name: h.BadgeName, UnlockLevels: levels, AcquiredAt: h.AcquiredAt}, true, nil
}

// =============================================================================
// LEGACY STATUS + CONFIG
// =============================================================================

// StatusStore reads the legacy per-user status column that holds a badge
// name without levels; levels come from the tier config.
type StatusStore interface {
	StatusBadge(ctx context.Context, user ledger.UserID) (name string, found bool, err error)
}

type StatusResolver struct {
	Store StatusStore
	Tiers Tiers
}

func (r StatusResolver) Name() string { return SourceStatus }

func (r StatusResolver) Resolve(ctx context.Context, user ledger.UserID) (Badge, bool, error) {
	name, ok, err := r.Store.StatusBadge(ctx, user)
	if err != nil || !ok || name == "" {
		return Badge{}, false, err
	}
	tier, known := r.Tiers.Lookup(name)
	if !known {
		return Badge{}, false, nil
	}
	return Badge{Name: tier.Name, UnlockLevels: tier.UnlockLevels}, true, nil
}

// =============================================================================
// ASSIGNED BADGE CARD
// =============================================================================

// Card is an explicitly assigned badge card. UnlockLevels overrides the
// tier config when positive.
type Card struct {
	UserID       ledger.UserID
	BadgeName    string
	UnlockLevels int
	AssignedBy   string
}

type CardStore interface {
	AssignedCard(ctx context.Context, user ledger.UserID) (Card, bool, error)
}

type CardResolver struct {
	Store CardStore
	Tiers Tiers
}

func (r CardResolver) Name() string { return SourceCard }

func (r CardResolver) Resolve(ctx context.Context, user ledger.UserID) (Badge, bool, error) {
	c, ok, err := r.Store.AssignedCard(ctx, user)
	if err != nil || !ok {
		return Badge{}, false, err
	}
	levels := c.UnlockLevels
	if levels <= 0 {
		tier, known := r.Tiers.Lookup(c.BadgeName)
		if !known {
			return Badge{}, false, nil
		}
		levels = tier.UnlockLevels
	}
	if levels > MaxUnlockLevels {
		levels = MaxUnlockLevels
	}
	return Badge{Name: c.BadgeName, UnlockLevels: levels}, true, nil
}
