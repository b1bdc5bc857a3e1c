package tier

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type RateKind string

const (
	RatePercent RateKind = "percent" // Value is a percentage of the base amount
	RateFlat    RateKind = "flat"    // Value is paid as is
)

// Band covers levels FromLevel..ToLevel inclusive.
type Band struct {
	FromLevel int
	ToLevel   int
	Kind      RateKind
	Value     decimal.Decimal
}

func (b Band) Contains(level int) bool {
	return level >= b.FromLevel && level <= b.ToLevel
}

// Payable reports whether the band pays anything at all.
func (b Band) Payable() bool { return b.Value.IsPositive() }

var hundred = decimal.NewFromInt(100)

// Commission computes the amount for one level from the base amount.
// Percent bands are rounded down to 8 decimal places.
func (b Band) Commission(base decimal.Decimal) decimal.Decimal {
	switch b.Kind {
	case RatePercent:
		return base.Mul(b.Value).Div(hundred).RoundFloor(8)
	case RateFlat:
		return b.Value
	}
	return decimal.Zero
}

// RateTable is the ordered CommissionRateTable.
type RateTable struct {
	bands []Band
}

// NewRateTable validates that bands stay inside 1..MaxUnlockLevels and do
// not overlap. Gaps are allowed; levels in a gap pay nothing.
func NewRateTable(bands ...Band) (RateTable, error) {
	sorted := append([]Band(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FromLevel < sorted[j].FromLevel })

	prevTo := 0
	for _, b := range sorted {
		if b.FromLevel < 1 || b.ToLevel > MaxUnlockLevels || b.FromLevel > b.ToLevel {
			return RateTable{}, fmt.Errorf("%w: band %d-%d outside 1..%d", ErrInvalidRates, b.FromLevel, b.ToLevel, MaxUnlockLevels)
		}
		if b.FromLevel <= prevTo {
			return RateTable{}, fmt.Errorf("%w: band %d-%d overlaps previous band", ErrInvalidRates, b.FromLevel, b.ToLevel)
		}
		if b.Kind != RatePercent && b.Kind != RateFlat {
			return RateTable{}, fmt.Errorf("%w: band %d-%d has kind %q", ErrInvalidRates, b.FromLevel, b.ToLevel, b.Kind)
		}
		if b.Value.IsNegative() {
			return RateTable{}, fmt.Errorf("%w: band %d-%d is negative", ErrInvalidRates, b.FromLevel, b.ToLevel)
		}
		prevTo = b.ToLevel
	}
	return RateTable{bands: sorted}, nil
}

// For returns the band for level, if any.
func (t RateTable) For(level int) (Band, bool) {
	i := sort.Search(len(t.bands), func(i int) bool { return t.bands[i].ToLevel >= level })
	if i < len(t.bands) && t.bands[i].Contains(level) {
		return t.bands[i], true
	}
	return Band{}, false
}

func (t RateTable) Bands() []Band { return append([]Band(nil), t.bands...) }
