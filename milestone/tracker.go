package milestone

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/metrics"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/tier"
)

type Store interface {
	Tracker(ctx context.Context, user ledger.UserID) (Tracker, bool, error)
	// SaveTracker upserts VIPAcquiredAt, DirectVIPCount and UpdatedAt.
	// Claims are written only through MarkClaimed.
	SaveTracker(ctx context.Context, t Tracker) error
	// MarkClaimed is insert-if-absent: an existing claim is left untouched.
	MarkClaimed(ctx context.Context, user ledger.UserID, c Claim) error
	// CountDirectVIPAfter counts distinct locked direct referrals of sponsor
	// that acquired badge strictly after the given instant.
	CountDirectVIPAfter(ctx context.Context, sponsor ledger.UserID, badge string, after time.Time) (int, error)
}

type SponsorLookup interface {
	SponsorLink(ctx context.Context, user ledger.UserID) (referral.SponsorLink, bool, error)
}

type BadgeResolver interface {
	Resolve(ctx context.Context, user ledger.UserID) (tier.Resolution, error)
}

type Appender interface {
	Append(ctx context.Context, e ledger.Entry, opts ...ledger.AppendOption) (ledger.AppendResult, error)
}

type Config struct {
	Store        Store
	Sponsors     SponsorLookup
	Badges       BadgeResolver
	Ledger       Appender
	Thresholds   Thresholds
	VIPBadge     string
	Policy       Policy
	BonusBalance ledger.BalanceType
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

type Service struct {
	store      Store
	sponsors   SponsorLookup
	badges     BadgeResolver
	ledger     Appender
	thresholds Thresholds
	vip        string
	policy     Policy
	balance    ledger.BalanceType
	clock      clockwork.Clock
	log        *slog.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Sponsors == nil || cfg.Badges == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("milestone: sponsors, badges and ledger are required")
	}
	if cfg.VIPBadge == "" {
		cfg.VIPBadge = "VIP"
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAccumulate
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, cfg.Policy)
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	thresholds, err := NewThresholds(cfg.Thresholds...)
	if err != nil {
		return nil, err
	}
	if cfg.BonusBalance == "" {
		cfg.BonusBalance = ledger.BalanceWithdrawable
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Service{
		store:      cfg.Store,
		sponsors:   cfg.Sponsors,
		badges:     cfg.Badges,
		ledger:     cfg.Ledger,
		thresholds: thresholds,
		vip:        cfg.VIPBadge,
		policy:     cfg.Policy,
		balance:    cfg.BonusBalance,
		clock:      cfg.Clock,
		log:        logger.OrDiscard(cfg.Logger),
	}, nil
}

func (s *Service) VIPBadge() string { return s.vip }

// OnVIPAcquired handles a user acquiring the VIP badge at the given time:
// it starts (or, under PolicyReset, restarts) the user's own tracker and
// then evaluates the user's locked sponsor, whose count may have grown.
// heldBefore reports that the user already held VIP just before this
// acquisition; such a re-grant never restarts the tracker.
// The returned evaluation is the sponsor's; it is nil without a sponsor.
func (s *Service) OnVIPAcquired(ctx context.Context, user ledger.UserID, at time.Time, heldBefore bool) (*Evaluation, error) {
	if err := s.startTracking(ctx, user, at, heldBefore); err != nil {
		return nil, err
	}

	link, ok, err := s.sponsors.SponsorLink(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load sponsor of %s: %w", user, err)
	}
	if !ok || !link.Locked() {
		return nil, nil
	}
	eval, err := s.Evaluate(ctx, link.SponsorID)
	if err != nil {
		return nil, err
	}
	return &eval, nil
}

func (s *Service) startTracking(ctx context.Context, user ledger.UserID, at time.Time, heldBefore bool) error {
	t, ok, err := s.store.Tracker(ctx, user)
	if err != nil {
		return fmt.Errorf("load tracker %s: %w", user, err)
	}
	switch {
	case !ok:
		t = Tracker{UserID: user, VIPAcquiredAt: at}
	case s.policy == PolicyReset && !heldBefore && at.After(t.VIPAcquiredAt):
		s.log.Info("milestone tracker reset on VIP re-acquisition",
			"user", user, "previous", t.VIPAcquiredAt, "now", at)
		t.VIPAcquiredAt = at
		t.DirectVIPCount = 0
	default:
		return nil
	}
	t.UpdatedAt = s.clock.Now()
	return s.store.SaveTracker(ctx, t)
}

// Evaluate recounts the user's direct VIP referrals and claims every
// threshold reached and not yet claimed. A user who does not currently
// hold VIP is rejected without touching any state.
func (s *Service) Evaluate(ctx context.Context, user ledger.UserID) (Evaluation, error) {
	res, err := s.badges.Resolve(ctx, user)
	if err != nil {
		return Evaluation{}, fmt.Errorf("resolve badge of %s: %w", user, err)
	}
	if !res.Found || res.Badge.Name != s.vip {
		return Evaluation{UserID: user, Rejected: true, Reason: ReasonNotVIP}, nil
	}

	now := s.clock.Now()
	t, ok, err := s.store.Tracker(ctx, user)
	if err != nil {
		return Evaluation{}, fmt.Errorf("load tracker %s: %w", user, err)
	}
	if !ok {
		t = Tracker{UserID: user, VIPAcquiredAt: now, Claims: map[int]Claim{}}
	}

	count, err := s.store.CountDirectVIPAfter(ctx, user, s.vip, t.VIPAcquiredAt)
	if err != nil {
		return Evaluation{}, fmt.Errorf("count direct VIPs of %s: %w", user, err)
	}
	t.DirectVIPCount = count
	t.UpdatedAt = now
	if err := s.store.SaveTracker(ctx, t); err != nil {
		return Evaluation{}, fmt.Errorf("save tracker %s: %w", user, err)
	}

	eval := Evaluation{UserID: user, Count: count}
	for _, th := range s.thresholds {
		if count < th.Count {
			break
		}
		if t.Claimed(th.Count) {
			continue
		}
		claim, err := s.claim(ctx, user, th, count)
		if err != nil {
			return eval, err
		}
		if t.Claims == nil {
			t.Claims = map[int]Claim{}
		}
		t.Claims[th.Count] = claim
		eval.NewClaims = append(eval.NewClaims, claim)
	}
	eval.Tracker = t
	return eval, nil
}

func (s *Service) claim(ctx context.Context, user ledger.UserID, th Threshold, count int) (Claim, error) {
	appended, err := s.ledger.Append(ctx, ledger.Entry{
		UserID:         user,
		IdempotencyKey: IdempotencyKey(user, th.Count),
		Type:           ledger.TxCredit,
		Subtype:        ledger.SubtypeMilestone,
		BalanceType:    s.balance,
		Amount:         th.Bonus,
		Metadata: ledger.Metadata{
			"threshold":    strconv.Itoa(th.Count),
			"direct_count": strconv.Itoa(count),
		},
	})
	if err != nil {
		return Claim{}, fmt.Errorf("credit milestone %d for %s: %w", th.Count, user, err)
	}
	c := Claim{
		Threshold: th.Count,
		Bonus:     appended.Entry.Amount,
		ClaimedAt: appended.Entry.CreatedAt,
		EntryID:   appended.Entry.ID,
	}
	if err := s.store.MarkClaimed(ctx, user, c); err != nil {
		return Claim{}, fmt.Errorf("mark milestone %d claimed for %s: %w", th.Count, user, err)
	}
	if !appended.Duplicate {
		metrics.RecordMilestoneClaim(th.Count)
		s.log.Info("milestone claimed",
			"user", user, "threshold", th.Count, "bonus", th.Bonus.String(), "count", count)
	}
	return c, nil
}

// Progress reports the tracker state, the next threshold and claim history.
func (s *Service) Progress(ctx context.Context, user ledger.UserID) (Progress, error) {
	t, ok, err := s.store.Tracker(ctx, user)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{UserID: user}
	if ok {
		at := t.VIPAcquiredAt
		p.Tracking = true
		p.VIPAcquiredAt = &at
		p.Count = t.DirectVIPCount
		for _, c := range t.Claims {
			p.Claims = append(p.Claims, c)
		}
		sort.Slice(p.Claims, func(i, j int) bool { return p.Claims[i].Threshold < p.Claims[j].Threshold })
	}
	for _, th := range s.thresholds {
		if ok && t.Claimed(th.Count) {
			continue
		}
		th := th
		p.Next = &th
		p.Remaining = max(th.Count-p.Count, 0)
		break
	}
	return p, nil
}

func (s *Service) Thresholds() Thresholds { return append(Thresholds(nil), s.thresholds...) }
