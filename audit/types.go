/*
Package audit detects drift in derived state and repairs the closure table.

TWO CHECKS:

	Closure audit: the sponsor links are the source of truth. Expected
	direct counts (links grouped by sponsor) are compared with actual
	direct counts (level-1 edges grouped by ancestor), and every locked
	link is checked for a matching level-1 edge and a consistent
	direct_sponsor_id. Repair mode rebuilds exactly the offending users
	with the same per-user rebuild the normal lock flow uses.

	Balance reconciliation: SumLedger is compared with the snapshot.
	Mismatches are reported with the signed difference and never corrected
	here; corrections go through the ledger like any other adjustment.
*/
package audit

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/referral"
)

// Finding kinds.
const (
	FindingMissingEdge           = "missing_edge"
	FindingWrongSponsor          = "wrong_sponsor"
	FindingUnexpectedEdge        = "unexpected_edge"
	FindingDirectSponsorMismatch = "direct_sponsor_mismatch"
)

var ErrMissingDependency = errors.New("audit dependency missing")

// Finding is one inconsistency attributed to one user's closure.
type Finding struct {
	Kind            string
	UserID          ledger.UserID
	ExpectedSponsor ledger.UserID
	ActualAncestor  ledger.UserID
}

// SponsorDiff compares a sponsor's locked directs with its level-1 edges.
type SponsorDiff struct {
	SponsorID ledger.UserID
	Expected  int
	Actual    int
}

// Diff is expected minus actual.
func (d SponsorDiff) Diff() int { return d.Expected - d.Actual }

type Options struct {
	Repair bool
}

type ClosureReport struct {
	RunID        string
	Repair       bool
	LinksChecked int
	Sponsors     int
	Diffs        []SponsorDiff
	Findings     []Finding
	Affected     []ledger.UserID
	Repaired     *referral.RebuildSummary
	StartedAt    time.Time
	CompletedAt  time.Time
}

func (r ClosureReport) Clean() bool { return len(r.Findings) == 0 && len(r.Diffs) == 0 }

// BalanceDiff compares one snapshot with its ledger sum.
type BalanceDiff struct {
	UserID      ledger.UserID
	BalanceType ledger.BalanceType
	Snapshot    decimal.Decimal
	Ledger      decimal.Decimal
	Entries     int
}

// Difference is snapshot minus ledger; positive means the snapshot
// overstates the balance.
func (d BalanceDiff) Difference() decimal.Decimal { return d.Snapshot.Sub(d.Ledger) }

func (d BalanceDiff) Match() bool { return d.Snapshot.Equal(d.Ledger) }

type ReconcileReport struct {
	RunID       string
	Checked     int
	Mismatches  []BalanceDiff
	StartedAt   time.Time
	CompletedAt time.Time
}

// =============================================================================
// RUNS
// =============================================================================

// Run kinds and statuses.
const (
	KindClosureAudit  = "closure_audit"
	KindClosureRepair = "closure_repair"
	KindReconcile     = "reconcile"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is a persisted record of one audit or reconciliation pass.
type Run struct {
	ID          string
	Kind        string
	Status      string
	Checked     int
	Findings    int
	Repaired    int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
