// Package model defines the core domain types shared across the margin engine.
// Monetary values use shopspring/decimal throughout.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidPair = errors.New("model: invalid pair symbol")

// pairRegex matches: {BASE}/{QUOTE}
// Example: ETH/USD
var pairRegex = regexp.MustCompile(`^([A-Za-z0-9.]+)/([A-Za-z0-9.]+)$`)

// Pair identifies a market independent of venue: an ordered
// (base symbol, quote symbol).
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair parses a "BASE/QUOTE" symbol.
func ParsePair(symbol string) (Pair, error) {
	matches := pairRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return Pair{}, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidPair, symbol)
	}
	return Pair{Base: matches[1], Quote: matches[2]}, nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// MarshalText lets Pair be used as a JSON map key and string field.
func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pair) UnmarshalText(b []byte) error {
	parsed, err := ParsePair(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TradePairID identifies a tradeable market instance: a pair inside one
// liquidity pool. Equality is structural, so it is usable as a map key.
type TradePairID struct {
	Pair            Pair   `json:"pair"`
	LiquidityPoolID string `json:"lp_id"`
}

func (id TradePairID) String() string {
	return id.LiquidityPoolID + ":" + id.Pair.String()
}

// Side is the direction of an exposure.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// SideOf returns the side of a signed size. Zero counts as long.
func SideOf(size decimal.Decimal) Side {
	if size.IsNegative() {
		return Short
	}
	return Long
}

// SideValues holds one value per side.
type SideValues struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// Get returns the value for side s.
func (v SideValues) Get(s Side) decimal.Decimal {
	if s == Short {
		return v.Short
	}
	return v.Long
}

// OpenInterest is the aggregate long and short exposure on one trade pair.
// Both sides are non-negative.
type OpenInterest struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// Total returns long + short.
func (oi OpenInterest) Total() decimal.Decimal {
	return oi.Long.Add(oi.Short)
}

// Get returns the open interest on side s.
func (oi OpenInterest) Get(s Side) decimal.Decimal {
	if s == Short {
		return oi.Short
	}
	return oi.Long
}

// SumFractionSnapshot is a sampled cumulative accrual counter (funding or
// borrow) per side at a point in time.
type SumFractionSnapshot struct {
	Value     SideValues `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

// MarketPrice is a quote for one trade pair. Market is the skew-adjusted
// mid, set only when price impact is enabled for the pair.
type MarketPrice struct {
	Index   decimal.Decimal  `json:"index"`
	BestBid decimal.Decimal  `json:"best_bid"`
	BestAsk decimal.Decimal  `json:"best_ask"`
	Market  *decimal.Decimal `json:"market,omitempty"`
}

// Mid returns the skew-adjusted market price if present, else the index.
func (p MarketPrice) Mid() decimal.Decimal {
	if p.Market != nil {
		return *p.Market
	}
	return p.Index
}

// ForSize returns the price a trade of the given signed size would fill at:
// ask for buys, bid for sells, index for zero.
func (p MarketPrice) ForSize(size decimal.Decimal) decimal.Decimal {
	switch size.Sign() {
	case 1:
		return p.BestAsk
	case -1:
		return p.BestBid
	default:
		return p.Index
	}
}

// Fill is an immutable record of one executed trade on a trade account.
// Once created, these are never modified or deleted.
type Fill struct {
	ID          string          `json:"id" db:"id"`
	AccountID   uint64          `json:"account_id" db:"account_id"`
	TradePairID TradePairID     `json:"trade_pair"`
	Size        decimal.Decimal `json:"size" db:"size"`   // signed: +buy, -sell
	Price       decimal.Decimal `json:"price" db:"price"` // fill price
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}
