package market

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

var (
	// ErrMaxLongOpenInterest is returned when a trade would push long open
	// interest beyond the pair's cap.
	ErrMaxLongOpenInterest = errors.New("market: max long open interest exceeded")

	// ErrMaxShortOpenInterest is returned when a trade would push short open
	// interest beyond the pair's cap.
	ErrMaxShortOpenInterest = errors.New("market: max short open interest exceeded")

	// ErrMaxOpenInterestDiff is returned when a trade would widen the
	// long/short imbalance beyond the pair's cap.
	ErrMaxOpenInterestDiff = errors.New("market: max open interest imbalance exceeded")
)

// ProjectOpenInterest returns the open interest that would result from a
// position moving from oldSize to nextSize, without touching any state.
func ProjectOpenInterest(oi model.OpenInterest, oldSize, nextSize decimal.Decimal) model.OpenInterest {
	s := &PairState{openInterest: oi}
	s.AdjustOpenInterestForTrade(oldSize, nextSize)
	return s.openInterest
}

// CheckOpenInterest validates a position change against the pair's open
// interest caps. Only changes that grow a capped quantity are rejected, so
// trades that reduce exposure always pass even when a cap is already breached.
func (p *TradePair) CheckOpenInterest(oi model.OpenInterest, oldSize, nextSize decimal.Decimal) error {
	next := ProjectOpenInterest(oi, oldSize, nextSize)
	limits := p.MaxOpenInterest

	if exceeds(limits.Long, oi.Long, next.Long) {
		return ErrMaxLongOpenInterest
	}
	if exceeds(limits.Short, oi.Short, next.Short) {
		return ErrMaxShortOpenInterest
	}

	diffBefore := oi.Long.Sub(oi.Short).Abs()
	diffAfter := next.Long.Sub(next.Short).Abs()
	if exceeds(limits.Diff, diffBefore, diffAfter) {
		return ErrMaxOpenInterestDiff
	}
	return nil
}

func exceeds(limit *decimal.Decimal, before, after decimal.Decimal) bool {
	if limit == nil {
		return false
	}
	return after.GreaterThan(*limit) && after.GreaterThan(before)
}
