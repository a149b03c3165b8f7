package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var maxPrice = decimal.NewFromUint64(^uint64(0))

// parsePrice converts a display price into integer record units.
func parsePrice(raw string, decimals uint8) (uint64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", raw, err)
	}
	units := value.Shift(int32(decimals))
	switch {
	case units.IsNegative():
		return 0, fmt.Errorf("invalid price %q: negative", raw)
	case !units.Equal(units.Truncate(0)):
		return 0, fmt.Errorf("invalid price %q: more than %d decimal places", raw, decimals)
	case units.GreaterThan(maxPrice):
		return 0, fmt.Errorf("invalid price %q: exceeds u64", raw)
	}
	return units.BigInt().Uint64(), nil
}
