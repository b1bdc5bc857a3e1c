/*
scheduler.go - Background consistency checks

PURPOSE:
  Periodically runs a read-only closure audit and a full snapshot
  reconciliation, so drift shows up in the run history, the logs and the
  bsk_audit_findings_total / bsk_balance_mismatches_total metrics without
  an operator asking for it.

DESIGN:
  - Runs a background goroutine on a clockwork ticker
  - Never repairs; repair stays an explicit admin action
  - Each pass is recorded as audit runs by the auditor itself

USAGE:
  scheduler := NewAuditScheduler(svc, clock, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit / RepairClosure endpoints (manual runs)
  - audit/auditor.go: AuditClosure, ReconcileAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/warp/bsk-engine/audit"
	"github.com/warp/bsk-engine/logger"
)

// Checker is the part of bsk.Service the scheduler drives.
type Checker interface {
	Audit(ctx context.Context, repair bool) (audit.ClosureReport, error)
	ReconcileAll(ctx context.Context) (audit.ReconcileReport, error)
}

// PassResult summarizes one scheduled pass.
type PassResult struct {
	Closure   audit.ClosureReport
	Reconcile audit.ReconcileReport
}

// AuditScheduler runs consistency checks on an interval.
type AuditScheduler struct {
	Checker       Checker
	CheckInterval time.Duration
	Enabled       bool

	clock  clockwork.Clock
	log    *slog.Logger
	ticker clockwork.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAuditScheduler creates a new scheduler with a one hour interval.
func NewAuditScheduler(checker Checker, clock clockwork.Clock, log *slog.Logger) *AuditScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuditScheduler{
		Checker:       checker,
		CheckInterval: time.Hour,
		Enabled:       true,
		clock:         clock,
		log:           logger.OrDiscard(log).With("component", "scheduler"),
	}
}

// Start begins the scheduler. The first pass runs immediately.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = s.clock.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass to return.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("scheduler stopped")
}

func (s *AuditScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-s.ticker.Chan():
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one read-only audit and one reconciliation. Errors are
// logged; a failed audit does not skip the reconciliation.
func (s *AuditScheduler) RunNow(ctx context.Context) PassResult {
	var res PassResult
	start := s.clock.Now()

	report, err := s.Checker.Audit(ctx, false)
	if err != nil {
		s.log.Error("scheduled closure audit failed", "error", err)
	} else {
		res.Closure = report
		if !report.Clean() {
			s.log.Warn("closure drift detected",
				"run_id", report.RunID, "findings", len(report.Findings),
				"sponsor_diffs", len(report.Diffs), "affected", len(report.Affected))
		}
	}

	rec, err := s.Checker.ReconcileAll(ctx)
	if err != nil {
		s.log.Error("scheduled reconciliation failed", "error", err)
	} else {
		res.Reconcile = rec
		if len(rec.Mismatches) > 0 {
			s.log.Warn("balance snapshots disagree with ledger",
				"run_id", rec.RunID, "checked", rec.Checked, "mismatches", len(rec.Mismatches))
		}
	}

	s.log.Debug("scheduled pass completed", "duration", s.clock.Since(start))
	return res
}
