// Package amount converts between base units and human whole-unit strings.
package amount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Format renders base units as a whole-unit decimal, e.g. 1500000 -> "1.5".
func Format(units, perWhole int64) string {
	if perWhole <= 1 {
		return decimal.NewFromInt(units).String()
	}
	return decimal.NewFromInt(units).Div(decimal.NewFromInt(perWhole)).String()
}

// Parse reads a whole-unit decimal and returns base units. Inputs finer
// than one base unit are rejected rather than rounded.
func Parse(s string, perWhole int64) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: negative", s)
	}
	if perWhole < 1 {
		perWhole = 1
	}
	base := d.Mul(decimal.NewFromInt(perWhole))
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: finer than one base unit", s)
	}
	if base.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return base.IntPart(), nil
}
