// Package money converts between external cent/dollar amounts and the
// ledger's scaled integer units.
//
// Every stored amount is an int64 count of units where one cent is
// UnitsPerCent units. Sub-cent LLM costs therefore stay exact while the
// int64 range still covers balances far beyond any single wallet.
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// UnitsPerCent is the fixed-point scale factor applied to cents on write.
const UnitsPerCent int64 = 1_000_000

// MaxCents is the largest cent amount that can be scaled without overflow.
const MaxCents = math.MaxInt64 / UnitsPerCent

var (
	ErrNegative = errors.New("money: amount must not be negative")
	ErrOverflow = errors.New("money: amount exceeds representable range")
	ErrInvalid  = errors.New("money: invalid amount")
)

var (
	unitsPerCent   = decimal.NewFromInt(UnitsPerCent)
	unitsPerDollar = decimal.NewFromInt(UnitsPerCent * 100)
)

// FromCents scales a whole-cent amount to units.
func FromCents(cents int64) (int64, error) {
	if cents < 0 {
		return 0, ErrNegative
	}
	if cents > MaxCents {
		return 0, ErrOverflow
	}
	return cents * UnitsPerCent, nil
}

// FromCentsDecimal scales a fractional cent amount (e.g. 2.5) to units,
// rounding half away from zero onto the unit grid.
func FromCentsDecimal(cents decimal.Decimal) (int64, error) {
	return scale(cents, unitsPerCent)
}

// FromDollars scales a dollar amount to units.
func FromDollars(dollars decimal.Decimal) (int64, error) {
	return scale(dollars, unitsPerDollar)
}

func scale(d, factor decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	u := d.Mul(factor).Round(0)
	if u.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrOverflow
	}
	return u.IntPart(), nil
}

// ToCents returns units expressed as (possibly fractional) cents.
func ToCents(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(unitsPerCent)
}

// ToDollars returns units expressed as dollars.
func ToDollars(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(unitsPerDollar)
}

// WholeCents truncates units toward zero to whole cents.
func WholeCents(units int64) int64 {
	return units / UnitsPerCent
}

// ParseCents parses a decimal cent string ("250", "2.5") into units.
// Negative and malformed inputs are rejected.
func ParseCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalid
	}
	return FromCentsDecimal(d)
}

// FormatDollars renders units as a dollar string with two decimals ("7.50").
func FormatDollars(units int64) string {
	return ToDollars(units).StringFixed(2)
}

// PercentCeil returns ceil(cents * pct / 100) in whole cents.
func PercentCeil(cents int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(pct).Div(decimal.NewFromInt(100)).Ceil().IntPart()
}
