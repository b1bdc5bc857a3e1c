package tier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/tier"
)

type fakeBadges struct {
	holdings map[ledger.UserID]tier.Holding
	status   map[ledger.UserID]string
	cards    map[ledger.UserID]tier.Card
	calls    int
	err      error
}

func newFakeBadges() *fakeBadges {
	return &fakeBadges{
		holdings: map[ledger.UserID]tier.Holding{},
		status:   map[ledger.UserID]string{},
		cards:    map[ledger.UserID]tier.Card{},
	}
}

func (f *fakeBadges) CurrentBadge(_ context.Context, u ledger.UserID) (tier.Holding, bool, error) {
	f.calls++
	if f.err != nil {
		return tier.Holding{}, false, f.err
	}
	h, ok := f.holdings[u]
	return h, ok, nil
}

func (f *fakeBadges) RecordAcquisition(_ context.Context, h tier.Holding) error {
	f.holdings[h.UserID] = h
	return nil
}

func (f *fakeBadges) StatusBadge(_ context.Context, u ledger.UserID) (string, bool, error) {
	s, ok := f.status[u]
	return s, ok, nil
}

func (f *fakeBadges) AssignedCard(_ context.Context, u ledger.UserID) (tier.Card, bool, error) {
	c, ok := f.cards[u]
	return c, ok, nil
}

func standardTiers(t *testing.T) tier.Tiers {
	t.Helper()
	tiers, err := tier.NewTiers(
		tier.Tier{Name: "Silver", UnlockLevels: 10, Rank: 1},
		tier.Tier{Name: "Gold", UnlockLevels: 20, Rank: 2},
		tier.Tier{Name: "VIP", UnlockLevels: 50, Rank: 5},
	)
	require.NoError(t, err)
	return tiers
}

func newRegistry(t *testing.T, f *fakeBadges, clock clockwork.Clock, ttl time.Duration) *tier.Registry {
	t.Helper()
	tiers := standardTiers(t)
	reg, err := tier.NewRegistry(tier.RegistryConfig{
		Resolvers: []tier.Resolver{
			tier.HoldingResolver{Store: f, Tiers: tiers},
			tier.StatusResolver{Store: f, Tiers: tiers},
			tier.CardResolver{Store: f, Tiers: tiers},
		},
		Clock: clock,
		TTL:   ttl,
	})
	require.NoError(t, err)
	return reg
}

func TestRegistry_Precedence(t *testing.T) {
	ctx := context.Background()
	f := newFakeBadges()
	f.holdings["both"] = tier.Holding{UserID: "both", BadgeName: "Gold", UnlockLevels: 20}
	f.status["both"] = "VIP"
	f.status["status-only"] = "Silver"
	f.cards["card-only"] = tier.Card{UserID: "card-only", BadgeName: "Custom", UnlockLevels: 7}

	reg := newRegistry(t, f, clockwork.NewFakeClock(), 0)

	res, err := reg.Resolve(ctx, "both")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "Gold", res.Badge.Name)
	assert.Equal(t, tier.SourceHolding, res.Source)

	res, err = reg.Resolve(ctx, "status-only")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Badge.UnlockLevels)
	assert.Equal(t, tier.SourceStatus, res.Source)

	res, err = reg.Resolve(ctx, "card-only")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Badge.UnlockLevels)
	assert.Equal(t, tier.SourceCard, res.Source)

	res, err = reg.Resolve(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Zero(t, res.Badge.UnlockLevels)
}

func TestRegistry_UnknownStatusBadgeFallsThrough(t *testing.T) {
	f := newFakeBadges()
	f.status["u"] = "Bronze"
	f.cards["u"] = tier.Card{UserID: "u", BadgeName: "Silver"}

	res, err := newRegistry(t, f, clockwork.NewFakeClock(), 0).Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, tier.SourceCard, res.Source)
	assert.Equal(t, 10, res.Badge.UnlockLevels)
}

func TestRegistry_ResolverErrorPropagates(t *testing.T) {
	f := newFakeBadges()
	f.err = errors.New("db down")

	_, err := newRegistry(t, f, clockwork.NewFakeClock(), 0).Resolve(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), tier.SourceHolding)
}

func TestRegistry_CacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	f := newFakeBadges()
	f.holdings["u"] = tier.Holding{UserID: "u", BadgeName: "Silver", UnlockLevels: 10}
	reg := newRegistry(t, f, clock, time.Minute)

	_, err := reg.Resolve(ctx, "u")
	require.NoError(t, err)
	f.holdings["u"] = tier.Holding{UserID: "u", BadgeName: "Gold", UnlockLevels: 20}

	res, err := reg.Resolve(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "Silver", res.Badge.Name, "served from cache")
	assert.Equal(t, 1, f.calls)

	reg.Invalidate("u")
	res, err = reg.Resolve(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "Gold", res.Badge.Name)

	f.holdings["u"] = tier.Holding{UserID: "u", BadgeName: "VIP", UnlockLevels: 50}
	clock.Advance(2 * time.Minute)
	res, err = reg.Resolve(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "VIP", res.Badge.Name, "expired entry is refreshed")
}

func TestNewTiers_Validation(t *testing.T) {
	_, err := tier.NewTiers(tier.Tier{Name: "X", UnlockLevels: 51})
	assert.ErrorIs(t, err, tier.ErrInvalidTier)

	_, err = tier.NewTiers(tier.Tier{Name: "X", UnlockLevels: 5}, tier.Tier{Name: "X", UnlockLevels: 6})
	assert.ErrorIs(t, err, tier.ErrInvalidTier)

	tiers, err := tier.NewTiers(tier.Tier{Name: "B", UnlockLevels: 20, Rank: 2}, tier.Tier{Name: "A", UnlockLevels: 10, Rank: 1})
	require.NoError(t, err)
	all := tiers.All()
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Name)
}

func TestRateTable(t *testing.T) {
	table, err := tier.NewRateTable(
		tier.Band{FromLevel: 2, ToLevel: 10, Kind: tier.RateFlat, Value: decimal.RequireFromString("0.5")},
		tier.Band{FromLevel: 1, ToLevel: 1, Kind: tier.RatePercent, Value: decimal.NewFromInt(10)},
		tier.Band{FromLevel: 11, ToLevel: 20, Kind: tier.RateFlat, Value: decimal.Zero},
	)
	require.NoError(t, err)

	b, ok := table.For(1)
	require.True(t, ok)
	assert.True(t, b.Commission(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(100)))

	b, ok = table.For(7)
	require.True(t, ok)
	assert.True(t, b.Commission(decimal.NewFromInt(1000)).Equal(decimal.RequireFromString("0.5")))

	b, ok = table.For(15)
	require.True(t, ok)
	assert.False(t, b.Payable())

	_, ok = table.For(21)
	assert.False(t, ok)
}

func TestRateTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		bands []tier.Band
	}{
		{"overlap", []tier.Band{
			{FromLevel: 1, ToLevel: 5, Kind: tier.RateFlat, Value: decimal.NewFromInt(1)},
			{FromLevel: 5, ToLevel: 9, Kind: tier.RateFlat, Value: decimal.NewFromInt(1)},
		}},
		{"beyond max", []tier.Band{{FromLevel: 45, ToLevel: 51, Kind: tier.RateFlat, Value: decimal.NewFromInt(1)}}},
		{"inverted", []tier.Band{{FromLevel: 5, ToLevel: 2, Kind: tier.RateFlat, Value: decimal.NewFromInt(1)}}},
		{"bad kind", []tier.Band{{FromLevel: 1, ToLevel: 2, Kind: "ratio", Value: decimal.NewFromInt(1)}}},
		{"negative", []tier.Band{{FromLevel: 1, ToLevel: 2, Kind: tier.RateFlat, Value: decimal.NewFromInt(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tier.NewRateTable(tt.bands...)
			assert.ErrorIs(t, err, tier.ErrInvalidRates)
		})
	}
}
