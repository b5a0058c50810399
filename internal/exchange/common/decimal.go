package common

import (
	"fmt"

	"depthbook/internal/orderbook"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses an exchange decimal string exactly before converting
// to float64.
func ParseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrDecode, s, err)
	}
	return d.InexactFloat64(), nil
}

// ParsePairs converts [price, size] string rows into validated deltas.
func ParsePairs(rows [][]string) ([]orderbook.Delta, error) {
	out := make([]orderbook.Delta, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: short level row %v", ErrDecode, row)
		}
		price, err := ParseDecimal(row[0])
		if err != nil {
			return nil, err
		}
		size, err := ParseDecimal(row[1])
		if err != nil {
			return nil, err
		}
		d := orderbook.Delta{Price: price, Size: size}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// FormatDecimal renders a float with the shortest exact representation.
func FormatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}
