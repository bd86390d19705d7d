/*
Package money converts between decimal user input and minor currency units.

PURPOSE:
  The engine stores every price as an int64 count of minor units (cents).
  Forms and JSON bodies carry decimal strings such as "12.50". This
  package is the only place the two meet.

ROUNDING:
  Half-up at the unit boundary: "0.125" → 13, "0.124" → 12.
  Negative inputs round half away from zero ("-0.125" → -13), which is
  the mirror of half-up and keeps Parse(-x) == -Parse(x).

USAGE:
  cents, err := money.ParseMinor("12.345") // 1235
  s := money.FormatMinor(1235)              // "12.35"
*/
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of minor-unit digits.
const Places = 2

var scale = decimal.New(1, Places)

// ParseMinor parses a decimal amount and returns it in minor units.
// An empty string is zero. A comma is accepted as the decimal separator.
func ParseMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return ToMinor(d), nil
}

// ToMinor converts a decimal amount to minor units, rounding half-up.
func ToMinor(d decimal.Decimal) int64 {
	return d.Mul(scale).Round(0).IntPart()
}

// FromMinor converts minor units back to a decimal amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Places)
}

// FormatMinor renders minor units with exactly Places decimals.
func FormatMinor(minor int64) string {
	return FromMinor(minor).StringFixed(Places)
}
