package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// IncrementPolicy maps a current price to the minimum raise a new bid must
// add on top of it.
type IncrementPolicy interface {
	MinimumIncrement(price decimal.Decimal) decimal.Decimal
}

// IncrementTier applies Step to every price at or above From, up to the next
// tier's From.
type IncrementTier struct {
	From decimal.Decimal `toml:"from" json:"from"`
	Step decimal.Decimal `toml:"step" json:"step"`
}

// IncrementTable is a step function of price. Tiers must be sorted by From
// ascending; use Normalize to sort a table built from user input.
type IncrementTable []IncrementTier

// MinimumIncrement returns the step of the highest tier whose From is at or
// below price. Prices below the first tier use the first tier's step.
func (t IncrementTable) MinimumIncrement(price decimal.Decimal) decimal.Decimal {
	if len(t) == 0 {
		return decimal.Zero
	}
	step := t[0].Step
	for _, tier := range t {
		if price.LessThan(tier.From) {
			break
		}
		step = tier.Step
	}
	return step
}

// Normalize returns a copy of t sorted by From.
func (t IncrementTable) Normalize() IncrementTable {
	out := make(IncrementTable, len(t))
	copy(out, t)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].From.LessThan(out[j].From)
	})
	return out
}

// Validate checks that every step is positive and no two tiers start at the
// same price.
func (t IncrementTable) Validate() error {
	for i, tier := range t {
		if !tier.Step.IsPositive() {
			return fmt.Errorf("increment tier %d: step must be > 0, got %s", i, tier.Step)
		}
		if tier.From.IsNegative() {
			return fmt.Errorf("increment tier %d: from must be >= 0, got %s", i, tier.From)
		}
		if i > 0 && tier.From.Equal(t[i-1].From) {
			return fmt.Errorf("increment tier %d: duplicate from %s", i, tier.From)
		}
	}
	return nil
}

// DefaultIncrements is the house increment schedule used when neither the
// auction nor the configuration supplies one.
func DefaultIncrements() IncrementTable {
	return IncrementTable{
		{From: decimal.Zero, Step: decimal.RequireFromString("0.50")},
		{From: decimal.NewFromInt(10), Step: decimal.NewFromInt(1)},
		{From: decimal.NewFromInt(100), Step: decimal.NewFromInt(5)},
		{From: decimal.NewFromInt(1000), Step: decimal.NewFromInt(25)},
		{From: decimal.NewFromInt(10000), Step: decimal.NewFromInt(100)},
	}
}

// FlatIncrement is an IncrementPolicy that always returns the same step.
type FlatIncrement decimal.Decimal

// MinimumIncrement implements IncrementPolicy.
func (f FlatIncrement) MinimumIncrement(decimal.Decimal) decimal.Decimal {
	return decimal.Decimal(f)
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
