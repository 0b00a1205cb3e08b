// Package pricefeed streams index prices per pair from the price feed
// service and keeps the latest value of each.
package pricefeed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// ErrNoPrice is returned when no price has been received for a pair yet.
var ErrNoPrice = errors.New("pricefeed: no price for pair")

// Update is one index price observation.
type Update struct {
	Pair      model.Pair
	Value     decimal.Decimal
	Timestamp time.Time
}

// Source provides the latest index price of a pair.
type Source interface {
	Latest(pair model.Pair) (decimal.Decimal, error)
}

// Subscriber is a Source that only holds prices for pairs it was asked to
// stream.
type Subscriber interface {
	Source
	Subscribe(pair model.Pair, fn func(Update)) (cancel func(), err error)
}

// Static is a fixed, in-memory price source. Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	prices map[model.Pair]decimal.Decimal
}

// NewStatic creates a static source seeded with prices.
func NewStatic(prices map[model.Pair]decimal.Decimal) *Static {
	s := &Static{prices: make(map[model.Pair]decimal.Decimal, len(prices))}
	for p, v := range prices {
		s.prices[p] = v
	}
	return s
}

// Set replaces the price of pair.
func (s *Static) Set(pair model.Pair, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[pair] = price
	s.mu.Unlock()
}

func (s *Static) Latest(pair model.Pair) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.prices[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, pair)
	}
	return v, nil
}
