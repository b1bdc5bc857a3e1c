/*
Package factory converts a JSON program definition into engine config.

PURPOSE:

	Badge tiers, commission bands, milestone thresholds and per-event-type
	rules change more often than code. The program is kept as a JSON
	document (file or database) and turned into validated Go values here.

JSON SCHEMA:

	{
	  "vip_badge": "VIP",
	  "milestone_policy": "accumulate",
	  "milestone_balance": "withdrawable",
	  "badges": [
	    {"name": "Silver", "unlock_levels": 10, "price": "100", "rank": 1}
	  ],
	  "commission_bands": [
	    {"from_level": 1, "to_level": 1, "kind": "percent", "value": "10"},
	    {"from_level": 2, "to_level": 10, "kind": "flat", "value": "0.5"}
	  ],
	  "milestones": [
	    {"count": 10, "bonus": "1000"}
	  ],
	  "event_rules": {
	    "default": {"base": "full", "balance_type": "withdrawable"},
	    "badge_upgrade": {"base": "net_of_previous_tier"}
	  }
	}

	Amounts accept JSON numbers or strings; strings avoid float rounding.

USAGE:

	program, err := factory.LoadProgram(path) // "" = DefaultProgram()
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/milestone"
	"github.com/warp/bsk-engine/tier"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type ProgramJSON struct {
	VIPBadge         string              `json:"vip_badge"`
	MilestonePolicy  string              `json:"milestone_policy,omitempty"`
	MilestoneBalance string              `json:"milestone_balance,omitempty"`
	Badges           []BadgeJSON         `json:"badges"`
	CommissionBands  []BandJSON          `json:"commission_bands"`
	Milestones       []MilestoneJSON     `json:"milestones,omitempty"`
	EventRules       map[string]RuleJSON `json:"event_rules,omitempty"`
}

type BadgeJSON struct {
	Name         string          `json:"name"`
	UnlockLevels int             `json:"unlock_levels"`
	Price        decimal.Decimal `json:"price"`
	Rank         int             `json:"rank"`
}

type BandJSON struct {
	FromLevel int             `json:"from_level"`
	ToLevel   int             `json:"to_level"`
	Kind      string          `json:"kind"` // percent, flat
	Value     decimal.Decimal `json:"value"`
}

type MilestoneJSON struct {
	Count int             `json:"count"`
	Bonus decimal.Decimal `json:"bonus"`
}

type RuleJSON struct {
	Base        string `json:"base,omitempty"` // full, net_of_previous_tier
	BalanceType string `json:"balance_type,omitempty"`
}

// =============================================================================
// PROGRAM
// =============================================================================

// Program is the validated, engine-ready form of ProgramJSON.
type Program struct {
	VIPBadge         string
	MilestonePolicy  milestone.Policy
	MilestoneBalance ledger.BalanceType
	Tiers            tier.Tiers
	Rates            tier.RateTable
	Thresholds       milestone.Thresholds
	Rules            commission.Rules
}

// ParseProgram parses and validates a JSON program.
func ParseProgram(data []byte) (Program, error) {
	var pj ProgramJSON
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pj); err != nil {
		return Program{}, fmt.Errorf("invalid program JSON: %w", err)
	}
	return pj.Build()
}

// LoadProgram reads a program file; an empty path yields DefaultProgram.
func LoadProgram(path string) (Program, error) {
	if path == "" {
		return DefaultProgram(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Program{}, fmt.Errorf("failed to read program %s: %w", path, err)
	}
	return ParseProgram(data)
}

// Build validates pj and converts it.
func (pj ProgramJSON) Build() (Program, error) {
	p := Program{
		VIPBadge:         pj.VIPBadge,
		MilestonePolicy:  milestone.Policy(pj.MilestonePolicy),
		MilestoneBalance: ledger.BalanceType(pj.MilestoneBalance),
	}
	if p.VIPBadge == "" {
		p.VIPBadge = "VIP"
	}
	if p.MilestonePolicy == "" {
		p.MilestonePolicy = milestone.PolicyAccumulate
	}
	if !p.MilestonePolicy.Valid() {
		return Program{}, fmt.Errorf("%w: %q", milestone.ErrInvalidPolicy, pj.MilestonePolicy)
	}
	if p.MilestoneBalance == "" {
		p.MilestoneBalance = ledger.BalanceWithdrawable
	}
	if !p.MilestoneBalance.Valid() {
		return Program{}, fmt.Errorf("%w: milestone_balance %q", ledger.ErrInvalidBalanceType, pj.MilestoneBalance)
	}

	tiers := make([]tier.Tier, 0, len(pj.Badges))
	for _, b := range pj.Badges {
		tiers = append(tiers, tier.Tier{Name: b.Name, UnlockLevels: b.UnlockLevels, Price: b.Price, Rank: b.Rank})
	}
	var err error
	if p.Tiers, err = tier.NewTiers(tiers...); err != nil {
		return Program{}, err
	}
	if _, ok := p.Tiers.Lookup(p.VIPBadge); !ok {
		return Program{}, fmt.Errorf("%w: vip badge %q is not a configured badge", tier.ErrUnknownBadge, p.VIPBadge)
	}

	bands := make([]tier.Band, 0, len(pj.CommissionBands))
	for _, b := range pj.CommissionBands {
		bands = append(bands, tier.Band{FromLevel: b.FromLevel, ToLevel: b.ToLevel, Kind: tier.RateKind(b.Kind), Value: b.Value})
	}
	if p.Rates, err = tier.NewRateTable(bands...); err != nil {
		return Program{}, err
	}

	thresholds := make([]milestone.Threshold, 0, len(pj.Milestones))
	for _, m := range pj.Milestones {
		thresholds = append(thresholds, milestone.Threshold{Count: m.Count, Bonus: m.Bonus})
	}
	if len(thresholds) == 0 {
		thresholds = milestone.DefaultThresholds()
	}
	if p.Thresholds, err = milestone.NewThresholds(thresholds...); err != nil {
		return Program{}, err
	}

	p.Rules = commission.DefaultRules()
	for name, r := range pj.EventRules {
		rule := commission.Rule{Mode: commission.BaseMode(r.Base), BalanceType: ledger.BalanceType(r.BalanceType)}
		if name == "default" {
			p.Rules.Default = rule
			continue
		}
		if p.Rules.ByEvent == nil {
			p.Rules.ByEvent = map[string]commission.Rule{}
		}
		p.Rules.ByEvent[name] = rule
	}
	if err := p.Rules.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}

// =============================================================================
// DEFAULT PROGRAM
// =============================================================================

// DefaultProgramJSON is the built-in program: five badge tiers, 10% at
// level 1 and decreasing flat amounts down to level 50.
const DefaultProgramJSON = `{
  "vip_badge": "VIP",
  "milestone_policy": "accumulate",
  "badges": [
    {"name": "Silver",   "unlock_levels": 10, "price": "100",  "rank": 1},
    {"name": "Gold",     "unlock_levels": 20, "price": "250",  "rank": 2},
    {"name": "Platinum", "unlock_levels": 30, "price": "500",  "rank": 3},
    {"name": "Diamond",  "unlock_levels": 40, "price": "1000", "rank": 4},
    {"name": "VIP",      "unlock_levels": 50, "price": "2500", "rank": 5}
  ],
  "commission_bands": [
    {"from_level": 1,  "to_level": 1,  "kind": "percent", "value": "10"},
    {"from_level": 2,  "to_level": 10, "kind": "flat",    "value": "0.5"},
    {"from_level": 11, "to_level": 20, "kind": "flat",    "value": "0.4"},
    {"from_level": 21, "to_level": 30, "kind": "flat",    "value": "0.3"},
    {"from_level": 31, "to_level": 40, "kind": "flat",    "value": "0.2"},
    {"from_level": 41, "to_level": 50, "kind": "flat",    "value": "0.1"}
  ],
  "milestones": [
    {"count": 10,  "bonus": "1000"},
    {"count": 50,  "bonus": "6000"},
    {"count": 100, "bonus": "15000"},
    {"count": 250, "bonus": "45000"},
    {"count": 500, "bonus": "100000"}
  ],
  "event_rules": {
    "default":       {"base": "full", "balance_type": "withdrawable"},
    "badge_upgrade": {"base": "net_of_previous_tier"}
  }
}`

// DefaultProgram parses DefaultProgramJSON; it panics only if the
// built-in document is broken.
func DefaultProgram() Program {
	p, err := ParseProgram([]byte(DefaultProgramJSON))
	if err != nil {
		panic(fmt.Sprintf("default program: %v", err))
	}
	return p
}
