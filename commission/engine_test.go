package commission_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/store/sqlite"
	"github.com/warp/bsk-engine/tier"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *sqlite.Store
	ledger  *ledger.Ledger
	builder *referral.Builder
	engine  *commission.Engine
	tiers   tier.Tiers
}

func bsk(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func standardRates(t *testing.T) tier.RateTable {
	t.Helper()
	rates, err := tier.NewRateTable(
		tier.Band{FromLevel: 1, ToLevel: 1, Kind: tier.RatePercent, Value: bsk("10")},
		tier.Band{FromLevel: 2, ToLevel: 10, Kind: tier.RateFlat, Value: bsk("0.5")},
		tier.Band{FromLevel: 11, ToLevel: 50, Kind: tier.RateFlat, Value: bsk("0.1")},
	)
	require.NoError(t, err)
	return rates
}

func newHarness(t *testing.T, appender commission.Appender, rules commission.Rules) *harness {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	l, err := ledger.New(ledger.Config{Store: store, Clock: clock})
	require.NoError(t, err)
	b, err := referral.NewBuilder(referral.BuilderConfig{Store: store, Clock: clock})
	require.NoError(t, err)
	tiers, err := tier.NewTiers(
		tier.Tier{Name: "Silver", UnlockLevels: 3, Rank: 1},
		tier.Tier{Name: "VIP", UnlockLevels: 50, Rank: 5},
	)
	require.NoError(t, err)
	reg, err := tier.NewRegistry(tier.RegistryConfig{
		Resolvers: []tier.Resolver{
			tier.HoldingResolver{Store: store, Tiers: tiers},
			tier.StatusResolver{Store: store, Tiers: tiers},
			tier.CardResolver{Store: store, Tiers: tiers},
		},
		Clock: clock,
	})
	require.NoError(t, err)
	if appender == nil {
		appender = l
	}
	engine, err := commission.NewEngine(commission.Config{
		Closure: b,
		Badges:  reg,
		Rates:   standardRates(t),
		Ledger:  appender,
		Rules:   rules,
		Traces:  store,
		Workers: 4,
		Clock:   clock,
		Logger:  logger.NewTest(),
	})
	require.NoError(t, err)
	return &harness{store: store, ledger: l, builder: b, engine: engine, tiers: tiers}
}

// chain locks payer under a1, a1 under a2, ... and returns ancestor ids by level.
func (h *harness) chain(t *testing.T, payer ledger.UserID, depth int) map[int]ledger.UserID {
	t.Helper()
	ctx := context.Background()
	byLevel := map[int]ledger.UserID{}
	for level := depth; level >= 1; level-- {
		byLevel[level] = ledger.UserID(fmt.Sprintf("a%d", level))
	}
	for level := depth; level > 1; level-- {
		_, err := h.builder.LockSponsor(ctx, byLevel[level-1], byLevel[level], t0)
		require.NoError(t, err)
	}
	_, err := h.builder.LockSponsor(ctx, payer, byLevel[1], t0)
	require.NoError(t, err)
	return byLevel
}

func (h *harness) give(t *testing.T, user ledger.UserID, badge string) {
	t.Helper()
	tr, ok := h.tiers.Lookup(badge)
	require.True(t, ok)
	require.NoError(t, h.store.RecordAcquisition(context.Background(), tier.Holding{
		UserID: user, BadgeName: badge, UnlockLevels: tr.UnlockLevels, AcquiredAt: t0,
	}))
}

func (h *harness) balance(t *testing.T, user ledger.UserID) decimal.Decimal {
	t.Helper()
	snap, err := h.ledger.GetBalance(context.Background(), user, ledger.BalanceWithdrawable)
	require.NoError(t, err)
	return snap.Current
}

func payment(id string, amount string) commission.Event {
	return commission.Event{PayerID: "payer", EventType: "badge_purchase", EventID: id, BaseAmount: bsk(amount)}
}

// =============================================================================
// DISTRIBUTE
// =============================================================================

func TestDistribute_TierGatingScenario(t *testing.T) {
	// GIVEN: seven ancestors; L1 is VIP, L5 is Silver (3 levels), L7 has no badge
	h := newHarness(t, nil, commission.DefaultRules())
	up := h.chain(t, "payer", 7)
	for level := 1; level <= 6; level++ {
		h.give(t, up[level], "VIP")
	}
	h.give(t, up[5], "Silver")

	// WHEN: a 1000 BSK payment is distributed
	res, err := h.engine.Distribute(context.Background(), payment("evt-1", "1000"))
	require.NoError(t, err)

	// THEN: L1 gets 10%, L2-4 and L6 get the flat 0.5, L5 and L7 are skipped
	require.Len(t, res.Decisions, 7)
	d := res.Decisions
	assert.Equal(t, commission.OutcomePay, d[0].Outcome)
	assert.True(t, d[0].Amount.Equal(bsk("100")))
	assert.Equal(t, tier.SourceHolding, d[0].Source)

	assert.Equal(t, commission.OutcomeSkip, d[4].Outcome)
	assert.Equal(t, commission.ReasonLevelLocked, d[4].Reason)
	assert.Equal(t, 3, d[4].UnlockLevels)

	assert.Equal(t, commission.OutcomeSkip, d[6].Outcome)
	assert.Equal(t, commission.ReasonNoBadge, d[6].Reason)
	assert.False(t, d[6].BadgeFound)

	assert.Equal(t, 5, res.LevelsPaid)
	assert.Equal(t, 2, res.LevelsSkipped)
	assert.True(t, res.TotalDistributed.Equal(bsk("102")))

	assert.True(t, h.balance(t, up[1]).Equal(bsk("100")))
	assert.True(t, h.balance(t, up[2]).Equal(bsk("0.5")))
	assert.True(t, h.balance(t, up[5]).IsZero())
	assert.True(t, h.balance(t, up[7]).IsZero())
}

func TestDistribute_IsIdempotent(t *testing.T) {
	h := newHarness(t, nil, commission.DefaultRules())
	up := h.chain(t, "payer", 3)
	for level := 1; level <= 3; level++ {
		h.give(t, up[level], "VIP")
	}
	ctx := context.Background()

	first, err := h.engine.Distribute(ctx, payment("evt-1", "200"))
	require.NoError(t, err)
	second, err := h.engine.Distribute(ctx, payment("evt-1", "200"))
	require.NoError(t, err)

	assert.Equal(t, first.LevelsPaid, second.LevelsPaid)
	assert.True(t, first.TotalDistributed.Equal(second.TotalDistributed))
	assert.Equal(t, 3, first.NewlyApplied)
	assert.Zero(t, second.NewlyApplied)
	for _, d := range second.Decisions {
		assert.True(t, d.AlreadyApplied)
	}
	assert.True(t, h.balance(t, up[1]).Equal(bsk("20")))

	history, err := h.ledger.History(ctx, ledger.HistoryFilter{Subtype: ledger.SubtypeCommission})
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, "badge_purchase:evt-1:L1:a1", first.Decisions[0].IdempotencyKey)
}

func TestDistribute_UnlockBoundary(t *testing.T) {
	// Silver unlocks 3 levels: paid at L3, locked at L4.
	h := newHarness(t, nil, commission.DefaultRules())
	up := h.chain(t, "payer", 4)
	h.give(t, up[3], "Silver")
	h.give(t, up[4], "Silver")

	res, err := h.engine.Distribute(context.Background(), payment("evt-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomePay, res.Decisions[2].Outcome)
	assert.Equal(t, commission.ReasonLevelLocked, res.Decisions[3].Reason)
}

func TestDistribute_NoUpline(t *testing.T) {
	h := newHarness(t, nil, commission.DefaultRules())
	res, err := h.engine.Distribute(context.Background(), payment("evt-1", "10"))
	require.NoError(t, err)
	assert.Empty(t, res.Decisions)
	assert.True(t, res.TotalDistributed.IsZero())
}

func TestDistribute_ZeroRateIsNoAmount(t *testing.T) {
	h := newHarness(t, nil, commission.DefaultRules())
	up := h.chain(t, "payer", 1)
	h.give(t, up[1], "VIP")

	res, err := h.engine.Distribute(context.Background(), payment("evt-1", "0"))
	require.NoError(t, err)
	assert.Equal(t, commission.ReasonNoAmountForLevel, res.Decisions[0].Reason)
}

func TestDistribute_NetOfPreviousTierRule(t *testing.T) {
	rules := commission.Rules{
		Default: commission.Rule{Mode: commission.BaseFull},
		ByEvent: map[string]commission.Rule{
			"badge_upgrade": {Mode: commission.BaseNetOfPreviousTier, BalanceType: ledger.BalanceHolding},
		},
	}
	h := newHarness(t, nil, rules)
	up := h.chain(t, "payer", 1)
	h.give(t, up[1], "VIP")

	res, err := h.engine.Distribute(context.Background(), commission.Event{
		PayerID: "payer", EventType: "badge_upgrade", EventID: "up-1",
		BaseAmount: bsk("500"), Deduction: bsk("200"),
	})
	require.NoError(t, err)
	assert.True(t, res.BaseAmount.Equal(bsk("300")))
	assert.True(t, res.TotalDistributed.Equal(bsk("30")))

	snap, err := h.ledger.GetBalance(context.Background(), up[1], ledger.BalanceHolding)
	require.NoError(t, err)
	assert.True(t, snap.Current.Equal(bsk("30")))
}

// flakyAppender fails the first append for one ancestor.
type flakyAppender struct {
	next    commission.Appender
	failFor ledger.UserID
	failed  bool
}

func (f *flakyAppender) Append(ctx context.Context, e ledger.Entry, opts ...ledger.AppendOption) (ledger.AppendResult, error) {
	if e.UserID == f.failFor && !f.failed {
		f.failed = true
		return ledger.AppendResult{}, fmt.Errorf("%w: database is locked", ledger.ErrStoreBusy)
	}
	return f.next.Append(ctx, e, opts...)
}

func TestDistribute_PartialFailureThenRetryFillsGap(t *testing.T) {
	flaky := &flakyAppender{failFor: "a2"}
	h := newHarness(t, flaky, commission.DefaultRules())
	flaky.next = h.ledger
	up := h.chain(t, "payer", 3)
	for level := 1; level <= 3; level++ {
		h.give(t, up[level], "VIP")
	}
	ctx := context.Background()

	res, err := h.engine.Distribute(ctx, payment("evt-1", "100"))
	var partial *commission.PartialDistributionError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, commission.ErrPartialDistribution)
	assert.Equal(t, []int{2}, partial.Levels())
	assert.True(t, ledger.IsRetryable(partial.Failures[2]), "the cause survives the trace")
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.LevelsPaid)

	trace, err := h.engine.Trace(ctx, "badge_purchase", "evt-1")
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.Equal(t, commission.OutcomeFailed, trace[1].Outcome)

	// Retry: only the failed level is newly applied.
	res, err = h.engine.Distribute(ctx, payment("evt-1", "100"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewlyApplied)
	assert.Equal(t, 3, res.LevelsPaid)
	assert.True(t, h.balance(t, up[2]).Equal(bsk("0.5")))

	trace, err = h.engine.Trace(ctx, "badge_purchase", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomePay, trace[1].Outcome)
}

func TestDistribute_InvalidEvent(t *testing.T) {
	h := newHarness(t, nil, commission.DefaultRules())
	_, err := h.engine.Distribute(context.Background(), commission.Event{EventType: "x", EventID: "1", BaseAmount: bsk("1")})
	assert.ErrorIs(t, err, commission.ErrInvalidEvent)

	_, err = h.engine.Distribute(context.Background(), commission.Event{PayerID: "p", EventType: "x", EventID: "1", BaseAmount: bsk("-1")})
	assert.ErrorIs(t, err, commission.ErrInvalidEvent)
}
