/*
Package referral maintains the referral-ancestor closure table.

PURPOSE:

	SponsorLink rows record who directly referred whom. They are the source
	of truth and become immutable once locked. ClosureEdge rows are a
	rebuildable cache over that chain: one row per (user, ancestor) up to
	MaxDepth levels, used to fan commissions out without walking the chain
	on every payment.

INVARIANTS:
  - A locked SponsorLink(user, sponsor) has a level-1 edge user -> sponsor.
  - Every edge of a user carries DirectSponsorID == that user's sponsor.
  - Unlocked links contribute no edges.
  - A user's edges are only ever replaced as a whole (delete-then-insert),
    never patched, and never together with another user's edges.

SEE ALSO:
  - builder.go: the single rebuild primitive
  - audit/: drift detection that calls the same primitive
*/
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/warp/bsk-engine/ledger"
)

// MaxDepth is the deepest ancestor level that can earn commission.
const MaxDepth = 50

// SponsorLink is the raw "who referred whom" row, one per user.
type SponsorLink struct {
	UserID    ledger.UserID
	SponsorID ledger.UserID // empty until claimed
	LockedAt  *time.Time    // once set, SponsorID is immutable
	CreatedAt time.Time
}

// Locked reports whether the link participates in the closure.
func (l SponsorLink) Locked() bool {
	return l.LockedAt != nil && l.SponsorID != ""
}

// Edge is one closure row: UserID is Level hops below AncestorID.
type Edge struct {
	UserID          ledger.UserID
	AncestorID      ledger.UserID
	Level           int
	DirectSponsorID ledger.UserID
}

var (
	ErrSelfSponsor    = errors.New("user cannot sponsor themselves")
	ErrSponsorLocked  = errors.New("sponsor is locked and cannot change")
	ErrSponsorCycle   = errors.New("sponsor chain would contain a cycle")
	ErrMissingUser    = errors.New("user id is required")
	ErrStoreRequired  = errors.New("referral store is required")
	ErrSponsorMissing = errors.New("sponsor id is required to lock")
)

// Store persists sponsor links and closure edges.
type Store interface {
	SponsorLink(ctx context.Context, user ledger.UserID) (SponsorLink, bool, error)
	SaveSponsorLink(ctx context.Context, link SponsorLink) error

	// ReplaceClosure deletes every edge of user and inserts edges, atomically.
	ReplaceClosure(ctx context.Context, user ledger.UserID, edges []Edge) error

	// Ancestors returns user's edges with level <= maxLevel, ascending by level.
	Ancestors(ctx context.Context, user ledger.UserID, maxLevel int) ([]Edge, error)

	// Descendants returns every user that has ancestor in its closure.
	Descendants(ctx context.Context, ancestor ledger.UserID) ([]ledger.UserID, error)

	// DirectReferrals returns the locked links whose sponsor is sponsor.
	DirectReferrals(ctx context.Context, sponsor ledger.UserID) ([]SponsorLink, error)

	// LockedLinks returns every locked link.
	LockedLinks(ctx context.Context) ([]SponsorLink, error)

	// LevelOneEdges returns every level-1 edge keyed by user.
	LevelOneEdges(ctx context.Context) (map[ledger.UserID]Edge, error)

	// InconsistentDirectSponsors returns users with any edge whose
	// DirectSponsorID differs from their SponsorLink.
	InconsistentDirectSponsors(ctx context.Context) ([]ledger.UserID, error)
}
