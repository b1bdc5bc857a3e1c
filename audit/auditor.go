package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/metrics"
	"github.com/warp/bsk-engine/referral"
)

// ClosureSource is the read side of the referral store the audit needs.
type ClosureSource interface {
	LockedLinks(ctx context.Context) ([]referral.SponsorLink, error)
	LevelOneEdges(ctx context.Context) (map[ledger.UserID]referral.Edge, error)
	InconsistentDirectSponsors(ctx context.Context) ([]ledger.UserID, error)
}

type Rebuilder interface {
	RebuildMany(ctx context.Context, users []ledger.UserID) (referral.RebuildSummary, error)
}

type Balances interface {
	Snapshots(ctx context.Context) ([]ledger.Snapshot, error)
	GetBalance(ctx context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Snapshot, error)
	SumLedger(ctx context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Sums, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, r Run) error
	Runs(ctx context.Context, limit int) ([]Run, error)
}

type Config struct {
	Closure  ClosureSource
	Builder  Rebuilder
	Balances Balances
	Runs     RunStore // optional
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type Auditor struct {
	closure  ClosureSource
	builder  Rebuilder
	balances Balances
	runs     RunStore
	clock    clockwork.Clock
	log      *slog.Logger
}

func New(cfg Config) (*Auditor, error) {
	if cfg.Closure == nil || cfg.Builder == nil || cfg.Balances == nil {
		return nil, fmt.Errorf("%w: closure, builder and balances are required", ErrMissingDependency)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Auditor{
		closure:  cfg.Closure,
		builder:  cfg.Builder,
		balances: cfg.Balances,
		runs:     cfg.Runs,
		clock:    cfg.Clock,
		log:      logger.OrDiscard(cfg.Logger),
	}, nil
}

// =============================================================================
// CLOSURE AUDIT
// =============================================================================

// AuditClosure compares the closure table against the sponsor links. With
// opts.Repair it rebuilds exactly the users named in findings.
func (a *Auditor) AuditClosure(ctx context.Context, opts Options) (ClosureReport, error) {
	kind := KindClosureAudit
	if opts.Repair {
		kind = KindClosureRepair
	}
	run := a.startRun(ctx, kind)
	report := ClosureReport{RunID: run.ID, Repair: opts.Repair, StartedAt: run.StartedAt}

	err := a.auditClosure(ctx, opts, &report)
	report.CompletedAt = a.clock.Now()

	run.Checked = report.LinksChecked
	run.Findings = len(report.Findings)
	if report.Repaired != nil {
		run.Repaired = len(report.Repaired.Rebuilt)
	}
	a.finishRun(ctx, run, err)
	if err != nil {
		return report, err
	}

	a.log.Info("closure audit finished",
		"run", run.ID,
		"repair", opts.Repair,
		"links", report.LinksChecked,
		"diffs", len(report.Diffs),
		"findings", len(report.Findings),
		"affected", len(report.Affected))
	return report, nil
}

func (a *Auditor) auditClosure(ctx context.Context, opts Options, report *ClosureReport) error {
	links, err := a.closure.LockedLinks(ctx)
	if err != nil {
		return fmt.Errorf("load sponsor links: %w", err)
	}
	edges, err := a.closure.LevelOneEdges(ctx)
	if err != nil {
		return fmt.Errorf("load level-1 edges: %w", err)
	}
	report.LinksChecked = len(links)

	// (a) expected and (b) actual direct counts.
	expected := make(map[ledger.UserID]int)
	linked := make(map[ledger.UserID]ledger.UserID, len(links))
	for _, l := range links {
		expected[l.SponsorID]++
		linked[l.UserID] = l.SponsorID
	}
	actual := make(map[ledger.UserID]int)
	for _, e := range edges {
		actual[e.AncestorID]++
	}

	// (c) per-sponsor count diffs.
	sponsors := make(map[ledger.UserID]struct{}, len(expected))
	for s := range expected {
		sponsors[s] = struct{}{}
	}
	for s := range actual {
		sponsors[s] = struct{}{}
	}
	report.Sponsors = len(sponsors)
	for s := range sponsors {
		if expected[s] != actual[s] {
			report.Diffs = append(report.Diffs, SponsorDiff{SponsorID: s, Expected: expected[s], Actual: actual[s]})
		}
	}
	sort.Slice(report.Diffs, func(i, j int) bool { return report.Diffs[i].SponsorID < report.Diffs[j].SponsorID })

	// (d) per-user edge checks.
	flagged := make(map[ledger.UserID]bool)
	add := func(f Finding) {
		if flagged[f.UserID] && f.Kind == FindingDirectSponsorMismatch {
			return
		}
		report.Findings = append(report.Findings, f)
		flagged[f.UserID] = true
		metrics.AuditFindingsTotal.WithLabelValues(f.Kind).Inc()
	}
	for _, l := range links {
		e, ok := edges[l.UserID]
		switch {
		case !ok:
			add(Finding{Kind: FindingMissingEdge, UserID: l.UserID, ExpectedSponsor: l.SponsorID})
		case e.AncestorID != l.SponsorID:
			add(Finding{Kind: FindingWrongSponsor, UserID: l.UserID, ExpectedSponsor: l.SponsorID, ActualAncestor: e.AncestorID})
		case e.DirectSponsorID != l.SponsorID:
			add(Finding{Kind: FindingDirectSponsorMismatch, UserID: l.UserID, ExpectedSponsor: l.SponsorID, ActualAncestor: e.DirectSponsorID})
		}
	}
	for user, e := range edges {
		if _, ok := linked[user]; !ok {
			add(Finding{Kind: FindingUnexpectedEdge, UserID: user, ActualAncestor: e.AncestorID})
		}
	}

	// Deeper levels can carry a stale direct sponsor even when level 1 is fine.
	stale, err := a.closure.InconsistentDirectSponsors(ctx)
	if err != nil {
		return fmt.Errorf("check direct sponsors: %w", err)
	}
	for _, user := range stale {
		add(Finding{Kind: FindingDirectSponsorMismatch, UserID: user, ExpectedSponsor: linked[user]})
	}

	sort.SliceStable(report.Findings, func(i, j int) bool { return report.Findings[i].UserID < report.Findings[j].UserID })
	for user := range flagged {
		report.Affected = append(report.Affected, user)
	}
	sort.Slice(report.Affected, func(i, j int) bool { return report.Affected[i] < report.Affected[j] })

	// (e) scoped repair.
	if !opts.Repair || len(report.Affected) == 0 {
		return nil
	}
	summary, err := a.builder.RebuildMany(ctx, report.Affected)
	report.Repaired = &summary
	if err != nil {
		return fmt.Errorf("repair closure: %w", err)
	}
	if len(summary.Failed) > 0 {
		a.log.Warn("closure repair left failures", "failed", len(summary.Failed))
	}
	return nil
}

// =============================================================================
// BALANCE RECONCILIATION
// =============================================================================

// Reconcile compares both balance types of one user with their ledger sums.
func (a *Auditor) Reconcile(ctx context.Context, user ledger.UserID) ([]BalanceDiff, error) {
	out := make([]BalanceDiff, 0, len(ledger.BalanceTypes))
	for _, bt := range ledger.BalanceTypes {
		snap, err := a.balances.GetBalance(ctx, user, bt)
		if err != nil {
			return nil, err
		}
		d, err := a.diff(ctx, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ReconcileAll checks every snapshot and reports the mismatches only.
func (a *Auditor) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	run := a.startRun(ctx, KindReconcile)
	report := ReconcileReport{RunID: run.ID, StartedAt: run.StartedAt}

	err := func() error {
		snaps, err := a.balances.Snapshots(ctx)
		if err != nil {
			return fmt.Errorf("load snapshots: %w", err)
		}
		for _, snap := range snaps {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := a.diff(ctx, snap)
			if err != nil {
				return err
			}
			report.Checked++
			if !d.Match() {
				report.Mismatches = append(report.Mismatches, d)
			}
		}
		return nil
	}()
	report.CompletedAt = a.clock.Now()
	run.Checked = report.Checked
	run.Findings = len(report.Mismatches)
	a.finishRun(ctx, run, err)
	if err != nil {
		return report, err
	}
	for _, m := range report.Mismatches {
		a.log.Warn("balance mismatch",
			"user", m.UserID,
			"balance_type", m.BalanceType,
			"snapshot", m.Snapshot.String(),
			"ledger", m.Ledger.String(),
			"difference", m.Difference().String())
	}
	return report, nil
}

func (a *Auditor) diff(ctx context.Context, snap ledger.Snapshot) (BalanceDiff, error) {
	sums, err := a.balances.SumLedger(ctx, snap.UserID, snap.BalanceType)
	if err != nil {
		return BalanceDiff{}, fmt.Errorf("sum ledger %s/%s: %w", snap.UserID, snap.BalanceType, err)
	}
	d := BalanceDiff{
		UserID:      snap.UserID,
		BalanceType: snap.BalanceType,
		Snapshot:    snap.Current,
		Ledger:      sums.Net(),
		Entries:     sums.Count,
	}
	if !d.Match() {
		metrics.BalanceMismatchesTotal.Inc()
	}
	return d, nil
}

// =============================================================================
// RUN BOOKKEEPING
// =============================================================================

func (a *Auditor) startRun(ctx context.Context, kind string) Run {
	run := Run{ID: uuid.NewString(), Kind: kind, Status: StatusRunning, StartedAt: a.clock.Now()}
	if a.runs != nil {
		if err := a.runs.SaveRun(ctx, run); err != nil {
			a.log.Warn("failed to record audit run", "run", run.ID, "error", err)
		}
	}
	return run
}

func (a *Auditor) finishRun(ctx context.Context, run Run, err error) {
	now := a.clock.Now()
	run.CompletedAt = &now
	run.Status = StatusCompleted
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	if a.runs == nil {
		return
	}
	if err := a.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		a.log.Warn("failed to record audit run", "run", run.ID, "error", err)
	}
}

// Runs lists recent audit runs, newest first.
func (a *Auditor) Runs(ctx context.Context, limit int) ([]Run, error) {
	if a.runs == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return a.runs.Runs(ctx, limit)
}
