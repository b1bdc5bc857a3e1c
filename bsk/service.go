/*
Package bsk wires the ledger, closure, tier registry, commission engine,
milestone tracker and auditor into one service that handles the inbound
events and answers the outbound queries.

EVENT FLOW:

	payment       -> commission.Distribute
	badge         -> purchase debit (optional) -> holding + history
	                 -> registry invalidate -> commission on the price
	                 -> milestone hook when the badge is VIP
	sponsor lock  -> closure rebuild (user + descendants)
	adjustment    -> ledger Append with the operator's key

	Every write path is keyed, so any event may be retried as a whole.
*/
package bsk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/audit"
	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/factory"
	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/milestone"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/store/sqlite"
	"github.com/warp/bsk-engine/tier"
)

// Event types the service emits to the commission engine.
const (
	EventBadgePurchase = "badge_purchase"
	EventBadgeUpgrade  = "badge_upgrade"
)

var (
	ErrBadgeDowngrade    = errors.New("badge purchase would downgrade the current badge")
	ErrMissingKey        = errors.New("idempotency key is required")
	ErrInvalidAdjustment = errors.New("invalid adjustment")
)

type Config struct {
	Store          *sqlite.Store
	Program        factory.Program
	Clock          clockwork.Clock
	Logger         *slog.Logger
	FanoutWorkers  int
	RebuildWorkers int
	CacheTTL       time.Duration
}

type Service struct {
	store      *sqlite.Store
	program    factory.Program
	clock      clockwork.Clock
	log        *slog.Logger
	ledger     *ledger.Ledger
	builder    *referral.Builder
	registry   *tier.Registry
	engine     *commission.Engine
	milestones *milestone.Service
	auditor    *audit.Auditor
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("bsk: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := logger.OrDiscard(cfg.Logger)
	p := cfg.Program

	l, err := ledger.New(ledger.Config{Store: cfg.Store, Clock: cfg.Clock, Logger: log.With("component", "ledger")})
	if err != nil {
		return nil, err
	}
	builder, err := referral.NewBuilder(referral.BuilderConfig{
		Store:   cfg.Store,
		Clock:   cfg.Clock,
		Logger:  log.With("component", "closure"),
		Workers: cfg.RebuildWorkers,
	})
	if err != nil {
		return nil, err
	}
	registry, err := tier.NewRegistry(tier.RegistryConfig{
		Resolvers: []tier.Resolver{
			tier.HoldingResolver{Store: cfg.Store, Tiers: p.Tiers},
			tier.StatusResolver{Store: cfg.Store, Tiers: p.Tiers},
			tier.CardResolver{Store: cfg.Store, Tiers: p.Tiers},
		},
		Clock: cfg.Clock,
		TTL:   cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	engine, err := commission.NewEngine(commission.Config{
		Closure: builder,
		Badges:  registry,
		Rates:   p.Rates,
		Ledger:  l,
		Rules:   p.Rules,
		Traces:  cfg.Store,
		Workers: cfg.FanoutWorkers,
		Clock:   cfg.Clock,
		Logger:  log.With("component", "commission"),
	})
	if err != nil {
		return nil, err
	}
	milestones, err := milestone.NewService(milestone.Config{
		Store:        cfg.Store,
		Sponsors:     cfg.Store,
		Badges:       registry,
		Ledger:       l,
		Thresholds:   p.Thresholds,
		VIPBadge:     p.VIPBadge,
		Policy:       p.MilestonePolicy,
		BonusBalance: p.MilestoneBalance,
		Clock:        cfg.Clock,
		Logger:       log.With("component", "milestone"),
	})
	if err != nil {
		return nil, err
	}
	auditor, err := audit.New(audit.Config{
		Closure:  cfg.Store,
		Builder:  builder,
		Balances: l,
		Runs:     cfg.Store,
		Clock:    cfg.Clock,
		Logger:   log.With("component", "audit"),
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		store:      cfg.Store,
		program:    p,
		clock:      cfg.Clock,
		log:        log,
		ledger:     l,
		builder:    builder,
		registry:   registry,
		engine:     engine,
		milestones: milestones,
		auditor:    auditor,
	}, nil
}

func (s *Service) Ledger() *ledger.Ledger         { return s.ledger }
func (s *Service) Auditor() *audit.Auditor        { return s.auditor }
func (s *Service) Program() factory.Program       { return s.program }
func (s *Service) Milestones() *milestone.Service { return s.milestones }

// =============================================================================
// INBOUND EVENTS
// =============================================================================

// HandlePayment distributes commission for a purchase/upgrade/ad-reward event.
func (s *Service) HandlePayment(ctx context.Context, ev commission.Event) (commission.Result, error) {
	return s.engine.Distribute(ctx, ev)
}

// BadgeEvent is a badge acquisition. With Purchase set the price is
// debited from PaidFrom and distributed as commission; otherwise the badge
// is granted (promotion, admin, migration) without money moving.
type BadgeEvent struct {
	UserID     ledger.UserID
	Badge      string
	AcquiredAt time.Time
	EventID    string
	Purchase   bool
	PaidFrom   ledger.BalanceType
}

type BadgeOutcome struct {
	Holding     tier.Holding
	Previous    *tier.Holding
	Debit       *ledger.AppendResult
	Commission  *commission.Result
	Milestone   *milestone.Evaluation
	AlreadySeen bool
}

// AcquireBadge records a badge acquisition and everything it triggers.
// A keyed event already applied (history row or purchase debit present)
// is not re-checked or re-recorded; the commission and milestone steps run
// again so a retry fills whatever the first attempt left out.
func (s *Service) AcquireBadge(ctx context.Context, ev BadgeEvent) (BadgeOutcome, error) {
	if ev.UserID == "" {
		return BadgeOutcome{}, fmt.Errorf("%w: user id is required", ledger.ErrInvalidEntry)
	}
	tr, ok := s.program.Tiers.Lookup(ev.Badge)
	if !ok {
		return BadgeOutcome{}, fmt.Errorf("%w: %q", tier.ErrUnknownBadge, ev.Badge)
	}
	if ev.Purchase && ev.EventID == "" {
		return BadgeOutcome{}, fmt.Errorf("%w: purchase needs an event id", ErrMissingKey)
	}
	if ev.PaidFrom == "" {
		ev.PaidFrom = ledger.BalanceWithdrawable
	}
	charged := ev.Purchase && tr.Price.IsPositive()
	debitKey := "badge_purchase:" + ev.EventID

	var (
		out           BadgeOutcome
		priorDebit    *ledger.Entry
		previousBadge string
	)
	if ev.EventID != "" {
		applied, seen, err := s.store.AcquisitionByEvent(ctx, ev.UserID, ev.EventID)
		if err != nil {
			return out, err
		}
		if seen {
			if applied.BadgeName != ev.Badge {
				return out, fmt.Errorf("%w: event %s recorded %s, got %s",
					ledger.ErrIdempotencyConflict, ev.EventID, applied.BadgeName, ev.Badge)
			}
			out.AlreadySeen = true
			ev.AcquiredAt = applied.AcquiredAt
		}
		if charged {
			e, found, err := s.ledger.Entry(ctx, debitKey)
			if err != nil {
				return out, err
			}
			if found {
				priorDebit = &e
				previousBadge = e.Metadata["previous_badge"]
				if at, err := time.Parse(time.RFC3339Nano, e.Metadata["acquired_at"]); err == nil && !seen {
					ev.AcquiredAt = at
				}
			}
		}
	}
	if ev.AcquiredAt.IsZero() {
		ev.AcquiredAt = s.clock.Now()
	}
	ev.AcquiredAt = ev.AcquiredAt.UTC()

	if !out.AlreadySeen && priorDebit == nil {
		prior, err := s.holdingBefore(ctx, ev.UserID, ev.AcquiredAt)
		if err != nil {
			return out, err
		}
		if prior != nil && ev.EventID == "" && prior.BadgeName == ev.Badge && prior.AcquiredAt.Equal(ev.AcquiredAt) {
			out.AlreadySeen = true
		} else if prior != nil {
			out.Previous = prior
			previousBadge = prior.BadgeName
			prevTier, _ := s.program.Tiers.Lookup(prior.BadgeName)
			if ev.Purchase && prevTier.Rank > tr.Rank {
				return out, fmt.Errorf("%w: %s -> %s", ErrBadgeDowngrade, prior.BadgeName, ev.Badge)
			}
		}
	}

	// The debit remembers what was replaced and when, so a replayed event
	// derives the same commission event type and keys after the holding
	// moved on.
	if charged {
		debit, err := s.ledger.Append(ctx, ledger.Entry{
			UserID:         ev.UserID,
			IdempotencyKey: debitKey,
			Type:           ledger.TxDebit,
			Subtype:        ledger.SubtypeBadgePurchase,
			BalanceType:    ev.PaidFrom,
			Amount:         tr.Price,
			Metadata: ledger.Metadata{
				"badge":          ev.Badge,
				"event_id":       ev.EventID,
				"previous_badge": previousBadge,
				"acquired_at":    ev.AcquiredAt.Format(time.RFC3339Nano),
			},
		}, ledger.RequireFunds())
		if err != nil {
			return out, err
		}
		out.Debit = &debit
		previousBadge = debit.Entry.Metadata["previous_badge"]
	}

	out.Holding = tier.Holding{
		UserID:       ev.UserID,
		BadgeName:    ev.Badge,
		UnlockLevels: tr.UnlockLevels,
		AcquiredAt:   ev.AcquiredAt,
		EventID:      ev.EventID,
	}
	if !out.AlreadySeen {
		if err := s.store.RecordAcquisition(ctx, out.Holding); err != nil {
			return out, err
		}
	}
	s.registry.Invalidate(ev.UserID)

	if charged {
		cev := commission.Event{
			PayerID:    ev.UserID,
			EventType:  EventBadgePurchase,
			EventID:    ev.EventID,
			BaseAmount: tr.Price,
			Deduction:  decimal.Zero,
		}
		if previousBadge != "" {
			prev, _ := s.program.Tiers.Lookup(previousBadge)
			cev.EventType = EventBadgeUpgrade
			cev.Deduction = prev.Price
		}
		res, err := s.engine.Distribute(ctx, cev)
		out.Commission = &res
		if err != nil {
			return out, err
		}
	}

	if ev.Badge == s.program.VIPBadge {
		// A replay reports VIP as already held so it never restarts tracking.
		heldBefore := out.AlreadySeen || priorDebit != nil || previousBadge == s.program.VIPBadge
		eval, err := s.milestones.OnVIPAcquired(ctx, ev.UserID, ev.AcquiredAt, heldBefore)
		if err != nil {
			return out, err
		}
		out.Milestone = eval
	}

	s.log.Info("badge acquired",
		"user", ev.UserID, "badge", ev.Badge, "purchase", ev.Purchase, "replayed", out.AlreadySeen)
	return out, nil
}

// holdingBefore is the badge the user held just before at: the current
// holding unless it was acquired later, in which case the latest earlier
// history row. Nil when the user held nothing (never acquired or revoked).
func (s *Service) holdingBefore(ctx context.Context, user ledger.UserID, at time.Time) (*tier.Holding, error) {
	current, ok, err := s.store.CurrentBadge(ctx, user)
	if err != nil || !ok {
		return nil, err
	}
	if !current.AcquiredAt.After(at) {
		return &current, nil
	}
	history, err := s.store.BadgeHistory(ctx, user)
	if err != nil {
		return nil, err
	}
	var prior *tier.Holding
	for i := range history {
		if history[i].AcquiredAt.Before(at) {
			prior = &history[i]
		}
	}
	return prior, nil
}

// LockSponsor handles a sponsor-lock event.
func (s *Service) LockSponsor(ctx context.Context, user, sponsor ledger.UserID, at time.Time) (referral.LockResult, error) {
	return s.builder.LockSponsor(ctx, user, sponsor, at)
}

// SetSponsor records an unlocked sponsor (signup or code claim).
func (s *Service) SetSponsor(ctx context.Context, user, sponsor ledger.UserID) error {
	return s.builder.SetSponsor(ctx, user, sponsor)
}

// Adjustment is a manual operator credit or debit.
type Adjustment struct {
	UserID         ledger.UserID
	BalanceType    ledger.BalanceType
	Type           ledger.TxType
	Amount         decimal.Decimal
	IdempotencyKey string
	Reason         string
	Actor          string
	RequireFunds   bool
}

// AdminAdjust goes through the same Append contract as every other write.
// Debits may take a balance negative unless RequireFunds is set.
func (s *Service) AdminAdjust(ctx context.Context, adj Adjustment) (ledger.AppendResult, error) {
	if adj.IdempotencyKey == "" {
		return ledger.AppendResult{}, ErrMissingKey
	}
	if adj.Reason == "" {
		return ledger.AppendResult{}, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	}
	subtype := ledger.SubtypeAdminCredit
	if adj.Type == ledger.TxDebit {
		subtype = ledger.SubtypeAdminDebit
	}
	var opts []ledger.AppendOption
	if adj.RequireFunds {
		opts = append(opts, ledger.RequireFunds())
	}
	res, err := s.ledger.Append(ctx, ledger.Entry{
		UserID:         adj.UserID,
		IdempotencyKey: "admin:" + adj.IdempotencyKey,
		Type:           adj.Type,
		Subtype:        subtype,
		BalanceType:    adj.BalanceType,
		Amount:         adj.Amount,
		Metadata:       ledger.Metadata{"reason": adj.Reason, "actor": adj.Actor},
	}, opts...)
	if err != nil {
		return res, err
	}
	if !res.Duplicate {
		s.log.Warn("manual adjustment applied",
			"user", adj.UserID, "type", adj.Type, "amount", adj.Amount.String(),
			"balance_type", adj.BalanceType, "actor", adj.Actor, "reason", adj.Reason)
	}
	return res, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Balances(ctx context.Context, user ledger.UserID) ([]ledger.Snapshot, error) {
	return s.ledger.Balances(ctx, user)
}

func (s *Service) History(ctx context.Context, f ledger.HistoryFilter) ([]ledger.Entry, error) {
	return s.ledger.History(ctx, f)
}

func (s *Service) Trace(ctx context.Context, eventType, eventID string) ([]commission.Decision, error) {
	return s.engine.Trace(ctx, eventType, eventID)
}

func (s *Service) MilestoneProgress(ctx context.Context, user ledger.UserID) (milestone.Progress, error) {
	return s.milestones.Progress(ctx, user)
}

func (s *Service) Upline(ctx context.Context, user ledger.UserID, maxLevel int) ([]referral.Edge, error) {
	return s.builder.Ancestors(ctx, user, maxLevel)
}

func (s *Service) Badge(ctx context.Context, user ledger.UserID) (tier.Resolution, error) {
	return s.registry.Resolve(ctx, user)
}

// =============================================================================
// ADMIN
// =============================================================================

func (s *Service) Audit(ctx context.Context, repair bool) (audit.ClosureReport, error) {
	return s.auditor.AuditClosure(ctx, audit.Options{Repair: repair})
}

func (s *Service) Reconcile(ctx context.Context, user ledger.UserID) ([]audit.BalanceDiff, error) {
	return s.auditor.Reconcile(ctx, user)
}

func (s *Service) ReconcileAll(ctx context.Context) (audit.ReconcileReport, error) {
	return s.auditor.ReconcileAll(ctx)
}

func (s *Service) AuditRuns(ctx context.Context, limit int) ([]audit.Run, error) {
	return s.auditor.Runs(ctx, limit)
}

// =============================================================================
// LEGACY BADGE SOURCES
// =============================================================================

// SetStatusBadge writes the status-table badge consulted after the holding.
func (s *Service) SetStatusBadge(ctx context.Context, user ledger.UserID, badge string) error {
	if _, ok := s.program.Tiers.Lookup(badge); !ok {
		return fmt.Errorf("%w: %q", tier.ErrUnknownBadge, badge)
	}
	if err := s.store.SetStatusBadge(ctx, user, badge, s.clock.Now()); err != nil {
		return err
	}
	s.registry.Invalidate(user)
	return nil
}

// AssignCard gives user an explicit badge card, the last resolver source.
// UnlockLevels defaults to the tier's when zero.
func (s *Service) AssignCard(ctx context.Context, card tier.Card) error {
	tr, ok := s.program.Tiers.Lookup(card.BadgeName)
	if !ok {
		return fmt.Errorf("%w: %q", tier.ErrUnknownBadge, card.BadgeName)
	}
	if card.UnlockLevels == 0 {
		card.UnlockLevels = tr.UnlockLevels
	}
	if card.UnlockLevels < 0 || card.UnlockLevels > tier.MaxUnlockLevels {
		return fmt.Errorf("%w: unlock levels %d", tier.ErrInvalidTier, card.UnlockLevels)
	}
	if err := s.store.AssignCard(ctx, card, s.clock.Now()); err != nil {
		return err
	}
	s.registry.Invalidate(card.UserID)
	return nil
}

// RevokeBadge drops the current holding. History stays, so milestone counts
// that already included the user are unaffected.
func (s *Service) RevokeBadge(ctx context.Context, user ledger.UserID) error {
	if err := s.store.RevokeBadge(ctx, user); err != nil {
		return err
	}
	s.registry.Invalidate(user)
	s.log.Info("badge revoked", "user", user)
	return nil
}

func (s *Service) BadgeHistory(ctx context.Context, user ledger.UserID) ([]tier.Holding, error) {
	return s.store.BadgeHistory(ctx, user)
}

// Transfer moves funds between a user's withdrawable and holding pools.
func (s *Service) Transfer(ctx context.Context, user ledger.UserID, from, to ledger.BalanceType, amount decimal.Decimal, key string) (ledger.BatchResult, error) {
	if key == "" {
		return ledger.BatchResult{}, ErrMissingKey
	}
	return s.ledger.Transfer(ctx, user, from, to, amount, "transfer:"+key, ledger.Metadata{"from": string(from), "to": string(to)})
}

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }
