package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/metrics"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/tier"
)

// Closure yields the payer's ancestors ordered by level.
type Closure interface {
	Ancestors(ctx context.Context, user ledger.UserID, maxLevel int) ([]referral.Edge, error)
}

type BadgeResolver interface {
	Resolve(ctx context.Context, user ledger.UserID) (tier.Resolution, error)
}

type Appender interface {
	Append(ctx context.Context, e ledger.Entry, opts ...ledger.AppendOption) (ledger.AppendResult, error)
}

// TraceStore persists decision traces keyed by (event_type, event_id, level).
// Saving a trace for a level that already has one replaces it.
type TraceStore interface {
	SaveDecisions(ctx context.Context, decisions []Decision) error
	Decisions(ctx context.Context, eventType, eventID string) ([]Decision, error)
}

type Config struct {
	Closure Closure
	Badges  BadgeResolver
	Rates   tier.RateTable
	Ledger  Appender
	Rules   Rules
	Traces  TraceStore // optional
	Workers int        // concurrent level credits, default 8
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

type Engine struct {
	closure Closure
	badges  BadgeResolver
	rates   tier.RateTable
	ledger  Appender
	rules   Rules
	traces  TraceStore
	workers int
	clock   clockwork.Clock
	log     *slog.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Closure == nil || cfg.Badges == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: closure, badges and ledger are required", ErrMissingDependency)
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		closure: cfg.Closure,
		badges:  cfg.Badges,
		rates:   cfg.Rates,
		ledger:  cfg.Ledger,
		rules:   cfg.Rules,
		traces:  cfg.Traces,
		workers: cfg.Workers,
		clock:   cfg.Clock,
		log:     logger.OrDiscard(cfg.Logger),
	}, nil
}

// Distribute credits every eligible ancestor of the payer.
//
// Ineligible levels are skips in the trace, never errors. Transient
// storage errors on individual levels come back as a
// *PartialDistributionError together with the full Result.
func (e *Engine) Distribute(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	start := e.clock.Now()
	rule := e.rules.For(ev.EventType)
	base := rule.Base(ev)

	edges, err := e.closure.Ancestors(ctx, ev.PayerID, referral.MaxDepth)
	if err != nil {
		return Result{}, fmt.Errorf("load upline of %s: %w", ev.PayerID, err)
	}

	decisions := make([]Decision, len(edges))
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i, edge := range edges {
		i, edge := i, edge
		g.Go(func() error {
			decisions[i] = e.decideAndPay(ctx, ev, rule, base, edge)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		EventType:        ev.EventType,
		EventID:          ev.EventID,
		PayerID:          ev.PayerID,
		BaseAmount:       base,
		TotalDistributed: decimal.Zero,
		Decisions:        decisions,
	}
	var partial *PartialDistributionError
	for _, d := range decisions {
		switch d.Outcome {
		case OutcomePay:
			res.LevelsPaid++
			res.TotalDistributed = res.TotalDistributed.Add(d.Amount)
			if !d.AlreadyApplied {
				res.NewlyApplied++
			}
		case OutcomeSkip:
			res.LevelsSkipped++
		case OutcomeFailed:
			res.Failed++
			if partial == nil {
				partial = &PartialDistributionError{EventType: ev.EventType, EventID: ev.EventID, Failures: map[int]error{}}
			}
			partial.Failures[d.Level] = d.cause()
		}
		metrics.RecordDecision(ev.EventType, string(d.Outcome), d.Reason)
	}
	metrics.CommissionDistributeDuration.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

	if e.traces != nil && len(decisions) > 0 {
		// Use a detached context so a cancelled caller still leaves a trace
		// of the levels that were credited.
		if err := e.traces.SaveDecisions(context.WithoutCancel(ctx), decisions); err != nil {
			e.log.Error("failed to persist commission trace",
				"event_type", ev.EventType, "event_id", ev.EventID, "error", err)
			if partial == nil {
				return res, fmt.Errorf("persist commission trace: %w", err)
			}
		}
	}

	e.log.Info("commission distributed",
		"event_type", ev.EventType,
		"event_id", ev.EventID,
		"payer", ev.PayerID,
		"levels", len(edges),
		"paid", res.LevelsPaid,
		"new", res.NewlyApplied,
		"skipped", res.LevelsSkipped,
		"failed", res.Failed,
		"total", res.TotalDistributed.String())

	if partial != nil {
		return res, partial
	}
	return res, nil
}

func (e *Engine) decideAndPay(ctx context.Context, ev Event, rule Rule, base decimal.Decimal, edge referral.Edge) Decision {
	d := Decision{
		EventType:       ev.EventType,
		EventID:         ev.EventID,
		PayerID:         ev.PayerID,
		Level:           edge.Level,
		AncestorID:      edge.AncestorID,
		DirectSponsorID: edge.DirectSponsorID,
		Amount:          decimal.Zero,
		RateValue:       decimal.Zero,
		DecidedAt:       e.clock.Now(),
	}
	fail := func(err error) Decision {
		d.Outcome = OutcomeFailed
		d.Error = err.Error()
		d.err = err
		return d
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	res, err := e.badges.Resolve(ctx, edge.AncestorID)
	if err != nil {
		return fail(err)
	}
	d.BadgeFound = res.Found
	d.Source = res.Source
	if res.Found {
		d.BadgeName = res.Badge.Name
		d.UnlockLevels = res.Badge.UnlockLevels
	}

	band, hasBand := e.rates.For(edge.Level)
	if hasBand {
		d.RateKind = string(band.Kind)
		d.RateValue = band.Value
		d.Amount = band.Commission(base)
	}

	switch {
	case !res.Found:
		d.Outcome, d.Reason = OutcomeSkip, ReasonNoBadge
	case edge.Level > res.Badge.UnlockLevels:
		d.Outcome, d.Reason = OutcomeSkip, ReasonLevelLocked
	case !hasBand || !d.Amount.IsPositive():
		d.Outcome, d.Reason = OutcomeSkip, ReasonNoAmountForLevel
	}
	if d.Outcome == OutcomeSkip {
		d.Amount = decimal.Zero
		return d
	}

	d.IdempotencyKey = IdempotencyKey(ev.EventType, ev.EventID, edge.Level, edge.AncestorID)
	appended, err := e.ledger.Append(ctx, ledger.Entry{
		UserID:         edge.AncestorID,
		IdempotencyKey: d.IdempotencyKey,
		Type:           ledger.TxCredit,
		Subtype:        ledger.SubtypeCommission,
		BalanceType:    rule.BalanceType,
		Amount:         d.Amount,
		Metadata: ledger.Metadata{
			"event_type":        ev.EventType,
			"event_id":          ev.EventID,
			"payer_id":          string(ev.PayerID),
			"level":             strconv.Itoa(edge.Level),
			"direct_sponsor_id": string(edge.DirectSponsorID),
			"badge":             d.BadgeName,
			"badge_source":      d.Source,
		},
	})
	if err != nil {
		e.log.Warn("commission credit failed",
			"key", d.IdempotencyKey, "ancestor", edge.AncestorID, "error", err)
		return fail(err)
	}
	d.Outcome = OutcomePay
	d.EntryID = appended.Entry.ID
	d.AlreadyApplied = appended.Duplicate
	// A duplicate keeps the amount that was actually credited first.
	d.Amount = appended.Entry.Amount
	return d
}

// Trace returns the persisted decision trace of an event.
func (e *Engine) Trace(ctx context.Context, eventType, eventID string) ([]Decision, error) {
	if e.traces == nil {
		return nil, nil
	}
	return e.traces.Decisions(ctx, eventType, eventID)
}
