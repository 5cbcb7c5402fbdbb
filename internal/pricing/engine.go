package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// minorExponent is the number of minor-unit digits for every supported currency (USD, BDT).
const minorExponent = 2

// ErrInvalidAmount is returned for amounts that cannot be represented in minor units.
var ErrInvalidAmount = errors.New("pricing: invalid amount")

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Item describes a line item used for total calculation.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Total sums quantity times unit price over all items with a positive quantity.
// A sum that does not fit in Money returns ErrInvalidAmount.
func Total(items []Item) (Money, error) {
	total := decimal.Zero
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		total = total.Add(decimal.NewFromInt(it.UnitPrice).Mul(decimal.NewFromInt(int64(it.Qty))))
	}
	if total.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: total %s exceeds range", ErrInvalidAmount, total.String())
	}
	return total.IntPart(), nil
}

// FromMajor converts a major-unit decimal such as 49.99 into minor units.
// Values with more precision than the currency allows are rejected.
func FromMajor(v float64) (Money, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, v)
	}
	return fromDecimal(decimal.NewFromFloat(v))
}

// RoundMajor converts a client-computed major-unit value to minor units,
// rounding away float noise such as 0.30000000000000004.
func RoundMajor(v float64) (Money, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, v)
	}
	shifted := decimal.NewFromFloat(v).Shift(minorExponent).Round(0)
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %v exceeds range", ErrInvalidAmount, v)
	}
	return shifted.IntPart(), nil
}

// ParseMajor converts a major-unit decimal string such as "49.99" into minor units.
func ParseMajor(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromDecimal(d)
}

// FormatMajor renders minor units as a fixed two-digit major-unit string.
func FormatMajor(m Money) string {
	return decimal.New(m, -minorExponent).StringFixed(minorExponent)
}

func fromDecimal(d decimal.Decimal) (Money, error) {
	shifted := d.Shift(minorExponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has sub-minor precision", ErrInvalidAmount, d.String())
	}
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %s exceeds range", ErrInvalidAmount, d.String())
	}
	return shifted.IntPart(), nil
}
