// Package money holds exact monetary amounts expressed in the smallest
// currency unit (paise, cents). Arithmetic stays in int64; decimal is used
// only to render and parse human-readable major-unit strings.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultExponent is the number of minor-unit digits used when none is configured.
const DefaultExponent int32 = 2

// Amount is a monetary value in minor units.
type Amount int64

// Abs returns the magnitude of a.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Decimal converts a into major units with the given exponent,
// e.g. 12345 with exponent 2 becomes 123.45.
func (a Amount) Decimal(exponent int32) decimal.Decimal {
	return decimal.New(int64(a), -exponent)
}

// Format renders a in major units with exactly exponent fractional digits.
func (a Amount) Format(exponent int32) string {
	return a.Decimal(exponent).StringFixed(exponent)
}

// Parse reads a major-unit string such as "123.45" into minor units.
// Values with more precision than exponent allows are rejected rather than rounded.
func Parse(s string, exponent int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Shift(exponent)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d fractional digits", s, exponent)
	}
	return Amount(minor.IntPart()), nil
}
