package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Wire precision. Amounts travel as base-10 integer strings with 18
// implied decimals, prices with 8.
const (
	AmountDecimals int32 = 18
	PriceDecimals  int32 = 8
)

var ErrInvalidWireNumber = errors.New("model: invalid wire number")

// ParseAmount decodes an 18-decimal wire amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	return parseFixed(s, AmountDecimals)
}

// FormatAmount encodes an amount for the wire. Digits beyond 18 decimals
// are truncated toward zero.
func FormatAmount(d decimal.Decimal) string {
	return formatFixed(d, AmountDecimals)
}

// ParsePrice decodes an 8-decimal wire price.
func ParsePrice(s string) (decimal.Decimal, error) {
	return parseFixed(s, PriceDecimals)
}

// FormatPrice encodes a price for the wire.
func FormatPrice(d decimal.Decimal) string {
	return formatFixed(d, PriceDecimals)
}

// ParseOptionalAmount decodes a nullable wire amount; "" and nil mean unset.
func ParseOptionalAmount(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	v, err := ParseAmount(*s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseFixed(s string, decimals int32) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidWireNumber)
	}
	raw, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidWireNumber, s)
	}
	if !raw.Equal(raw.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("%w: %q is not an integer", ErrInvalidWireNumber, s)
	}
	return raw.Shift(-decimals), nil
}

func formatFixed(d decimal.Decimal, decimals int32) string {
	return d.Shift(decimals).Truncate(0).String()
}

// TimeFromMillis decodes a wire timestamp in unix milliseconds. 0 means
// absent and decodes to the zero time.
func TimeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// MillisFromTime is the inverse of TimeFromMillis.
func MillisFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
