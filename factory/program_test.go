package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/milestone"
	"github.com/warp/bsk-engine/tier"
)

func TestDefaultProgram(t *testing.T) {
	p := DefaultProgram()

	assert.Equal(t, "VIP", p.VIPBadge)
	assert.Equal(t, milestone.PolicyAccumulate, p.MilestonePolicy)

	vip, ok := p.Tiers.Lookup("VIP")
	require.True(t, ok)
	assert.Equal(t, 50, vip.UnlockLevels)
	assert.Len(t, p.Tiers.All(), 5)

	b, ok := p.Rates.For(1)
	require.True(t, ok)
	assert.Equal(t, tier.RatePercent, b.Kind)
	assert.True(t, b.Commission(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(100)))

	for level := 1; level <= 50; level++ {
		_, ok := p.Rates.For(level)
		assert.True(t, ok, "level %d has a band", level)
	}
	b, _ = p.Rates.For(45)
	assert.True(t, b.Value.Equal(decimal.RequireFromString("0.1")))

	assert.Equal(t, commission.BaseNetOfPreviousTier, p.Rules.For("badge_upgrade").Mode)
	assert.Equal(t, commission.BaseFull, p.Rules.For("ad_reward").Mode)
	assert.Len(t, p.Thresholds, 5)
}

func TestParseProgram_Errors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{
			name: "unknown vip badge",
			json: `{"vip_badge":"Gold","badges":[{"name":"VIP","unlock_levels":50}],"commission_bands":[]}`,
			want: tier.ErrUnknownBadge,
		},
		{
			name: "overlapping bands",
			json: `{"badges":[{"name":"VIP","unlock_levels":50}],"commission_bands":[
				{"from_level":1,"to_level":5,"kind":"flat","value":"1"},
				{"from_level":3,"to_level":9,"kind":"flat","value":"1"}]}`,
			want: tier.ErrInvalidRates,
		},
		{
			name: "bad policy",
			json: `{"milestone_policy":"sometimes","badges":[{"name":"VIP","unlock_levels":50}],"commission_bands":[]}`,
			want: milestone.ErrInvalidPolicy,
		},
		{
			name: "bad base rule",
			json: `{"badges":[{"name":"VIP","unlock_levels":50}],"commission_bands":[],"event_rules":{"x":{"base":"half"}}}`,
			want: commission.ErrInvalidRule,
		},
		{
			name: "bad milestone balance",
			json: `{"milestone_balance":"savings","badges":[{"name":"VIP","unlock_levels":50}],"commission_bands":[]}`,
			want: ledger.ErrInvalidBalanceType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProgram([]byte(tt.json))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseProgram_RejectsUnknownFields(t *testing.T) {
	_, err := ParseProgram([]byte(`{"badges":[{"name":"VIP","unlock_levels":50}],"commission_bands":[],"typo":1}`))
	assert.Error(t, err)
}

func TestLoadProgram_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"vip_badge": "Elite",
		"milestone_policy": "reset",
		"badges": [{"name": "Elite", "unlock_levels": 5, "price": 10}],
		"commission_bands": [{"from_level": 1, "to_level": 5, "kind": "percent", "value": 2.5}],
		"milestones": [{"count": 3, "bonus": "30"}]
	}`), 0o600))

	p, err := LoadProgram(path)
	require.NoError(t, err)
	assert.Equal(t, "Elite", p.VIPBadge)
	assert.Equal(t, milestone.PolicyReset, p.MilestonePolicy)
	b, ok := p.Rates.For(5)
	require.True(t, ok)
	assert.True(t, b.Commission(decimal.NewFromInt(100)).Equal(decimal.RequireFromString("2.5")))
	_, ok = p.Rates.For(6)
	assert.False(t, ok)

	def, err := LoadProgram("")
	require.NoError(t, err)
	assert.Equal(t, "VIP", def.VIPBadge)
}
