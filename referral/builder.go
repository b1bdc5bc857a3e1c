package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/metrics"
)

type BuilderConfig struct {
	Store   Store
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Workers int // bound for RebuildMany, default 4
}

// Builder owns the one rebuild primitive used by both the sponsor-lock flow
// and the auditor's repair mode.
type Builder struct {
	store   Store
	clock   clockwork.Clock
	log     *slog.Logger
	workers int
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Builder{
		store:   cfg.Store,
		clock:   cfg.Clock,
		log:     logger.OrDiscard(cfg.Logger),
		workers: cfg.Workers,
	}, nil
}

// =============================================================================
// WALK
// =============================================================================

// Chain walks sponsor pointers up from user and returns the edges the
// closure should hold. The walk stops at an unlocked or missing link,
// after MaxDepth hops, or on a repeated user.
func (b *Builder) Chain(ctx context.Context, user ledger.UserID) ([]Edge, error) {
	link, ok, err := b.store.SponsorLink(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load sponsor link for %s: %w", user, err)
	}
	if !ok || !link.Locked() {
		return nil, nil
	}

	direct := link.SponsorID
	visited := map[ledger.UserID]bool{user: true}
	edges := make([]Edge, 0, 8)

	current := direct
	for level := 1; level <= MaxDepth && current != ""; level++ {
		if visited[current] {
			b.log.Warn("referral: cycle in sponsor chain", "user", user, "at", current, "level", level)
			break
		}
		visited[current] = true
		edges = append(edges, Edge{
			UserID:          user,
			AncestorID:      current,
			Level:           level,
			DirectSponsorID: direct,
		})

		next, ok, err := b.store.SponsorLink(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("failed to load sponsor link for %s: %w", current, err)
		}
		if !ok || !next.Locked() {
			break
		}
		current = next.SponsorID
	}
	return edges, nil
}

// =============================================================================
// REBUILD
// =============================================================================

// Rebuild replaces user's closure with a fresh walk. Idempotent and scoped
// to one user, so any number of users may be rebuilt in parallel.
func (b *Builder) Rebuild(ctx context.Context, user ledger.UserID) (int, error) {
	if user == "" {
		return 0, ErrMissingUser
	}
	edges, err := b.Chain(ctx, user)
	if err != nil {
		metrics.ClosureRebuildsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if err := b.store.ReplaceClosure(ctx, user, edges); err != nil {
		metrics.ClosureRebuildsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to replace closure for %s: %w", user, err)
	}
	metrics.ClosureRebuildsTotal.WithLabelValues("ok").Inc()
	b.log.Debug("referral: closure rebuilt", "user", user, "edges", len(edges))
	return len(edges), nil
}

// RebuildSummary reports a bulk rebuild. Failed users can simply be
// rebuilt again; there is no partial state to resume.
type RebuildSummary struct {
	Rebuilt []ledger.UserID
	Edges   int
	Failed  map[ledger.UserID]error
}

// RebuildMany rebuilds each user with bounded parallelism. A failure for one
// user does not stop the others; cancellation of ctx does.
func (b *Builder) RebuildMany(ctx context.Context, users []ledger.UserID) (RebuildSummary, error) {
	summary := RebuildSummary{Failed: make(map[ledger.UserID]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, user := range dedupe(users) {
		user := user
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := b.Rebuild(gctx, user)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				summary.Failed[user] = err
				return nil
			}
			summary.Rebuilt = append(summary.Rebuilt, user)
			summary.Edges += n
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(summary.Rebuilt, func(i, j int) bool { return summary.Rebuilt[i] < summary.Rebuilt[j] })
	return summary, err
}

// =============================================================================
// SPONSOR LINKS
// =============================================================================

// SetSponsor records an unlocked sponsor (signup or code claim). It can be
// changed freely until the link is locked.
func (b *Builder) SetSponsor(ctx context.Context, user, sponsor ledger.UserID) error {
	if user == "" {
		return ErrMissingUser
	}
	if user == sponsor {
		return ErrSelfSponsor
	}
	link, ok, err := b.store.SponsorLink(ctx, user)
	if err != nil {
		return err
	}
	if ok && link.LockedAt != nil {
		if link.SponsorID == sponsor {
			return nil
		}
		return fmt.Errorf("%w: %s is locked to %s", ErrSponsorLocked, user, link.SponsorID)
	}
	if !ok {
		link = SponsorLink{UserID: user, CreatedAt: b.clock.Now().UTC()}
	}
	link.SponsorID = sponsor
	return b.store.SaveSponsorLink(ctx, link)
}

// LockResult reports the closure work triggered by a lock.
type LockResult struct {
	Link        SponsorLink
	AlreadySet  bool
	Edges       int
	Descendants RebuildSummary
}

// LockSponsor locks user's sponsor and builds its closure. Descendants that
// locked earlier stopped their walk at user; they are rebuilt too.
// Locking again with the same sponsor is a no-op that still rebuilds.
func (b *Builder) LockSponsor(ctx context.Context, user, sponsor ledger.UserID, at time.Time) (LockResult, error) {
	if user == "" {
		return LockResult{}, ErrMissingUser
	}
	if sponsor == "" {
		return LockResult{}, ErrSponsorMissing
	}
	if user == sponsor {
		return LockResult{}, ErrSelfSponsor
	}

	link, ok, err := b.store.SponsorLink(ctx, user)
	if err != nil {
		return LockResult{}, err
	}
	result := LockResult{}
	switch {
	case ok && link.LockedAt != nil && link.SponsorID != sponsor:
		return LockResult{}, fmt.Errorf("%w: %s is locked to %s", ErrSponsorLocked, user, link.SponsorID)
	case ok && link.LockedAt != nil:
		result.AlreadySet = true
	default:
		if err := b.checkCycle(ctx, user, sponsor); err != nil {
			return LockResult{}, err
		}
		if !ok {
			link = SponsorLink{UserID: user, CreatedAt: b.clock.Now().UTC()}
		}
		if at.IsZero() {
			at = b.clock.Now()
		}
		lockedAt := at.UTC()
		link.SponsorID = sponsor
		link.LockedAt = &lockedAt
		if err := b.store.SaveSponsorLink(ctx, link); err != nil {
			return LockResult{}, fmt.Errorf("failed to save sponsor link: %w", err)
		}
	}
	result.Link = link

	if result.Edges, err = b.Rebuild(ctx, user); err != nil {
		return result, err
	}

	descendants, err := b.store.Descendants(ctx, user)
	if err != nil {
		return result, fmt.Errorf("failed to list descendants of %s: %w", user, err)
	}
	if len(descendants) > 0 {
		result.Descendants, err = b.RebuildMany(ctx, descendants)
		if err != nil {
			return result, err
		}
	}

	b.log.Info("referral: sponsor locked",
		"user", user, "sponsor", sponsor, "edges", result.Edges,
		"descendants_rebuilt", len(result.Descendants.Rebuilt), "already_locked", result.AlreadySet)
	return result, nil
}

// checkCycle rejects a sponsor whose own chain (locked or not) reaches user.
func (b *Builder) checkCycle(ctx context.Context, user, sponsor ledger.UserID) error {
	current := sponsor
	for hops := 0; current != "" && hops <= MaxDepth; hops++ {
		if current == user {
			return fmt.Errorf("%w: %s is above %s", ErrSponsorCycle, user, sponsor)
		}
		link, ok, err := b.store.SponsorLink(ctx, current)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		current = link.SponsorID
	}
	return nil
}

// Ancestors returns user's closure up to maxLevel, ascending.
func (b *Builder) Ancestors(ctx context.Context, user ledger.UserID, maxLevel int) ([]Edge, error) {
	if maxLevel <= 0 || maxLevel > MaxDepth {
		maxLevel = MaxDepth
	}
	return b.store.Ancestors(ctx, user, maxLevel)
}

func dedupe(users []ledger.UserID) []ledger.UserID {
	seen := make(map[ledger.UserID]bool, len(users))
	out := make([]ledger.UserID, 0, len(users))
	for _, u := range users {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
