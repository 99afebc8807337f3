package marketplace

import (
	"context"
	"fmt"

	"csgo-arbiter/internal/ratelimit"

	"github.com/shopspring/decimal"
)

// Limiter is the admission control adapters go through before each request.
type Limiter interface {
	Acquire(ctx context.Context, c ratelimit.Category) error
}

// CentsToAmount converts integer cents into a currency amount.
func CentsToAmount(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// ParseCents converts a decimal string of cents ("1234" or "1234.5") into an amount.
func ParseCents(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cents value %q: %w", s, err)
	}
	return d.Shift(-2).InexactFloat64(), nil
}

// AmountToCents rounds an amount to whole cents.
func AmountToCents(amount float64) int64 {
	return decimal.NewFromFloat(amount).Shift(2).Round(0).IntPart()
}

// FormatCents renders an amount as a cents string for wire formats that use strings.
func FormatCents(amount float64) string {
	return decimal.NewFromFloat(amount).Shift(2).Round(0).String()
}
