package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// PairState is the mutable market state of one trade pair: open interest
// and the funding/borrow sum fraction snapshots published by the venue.
//
// Safe for concurrent use. Readers (positions, accounts) share one
// PairState; writes happen on trade application or publication receipt.
type PairState struct {
	mu           sync.RWMutex
	openInterest model.OpenInterest
	funding      model.SumFractionSnapshot
	borrow       model.SumFractionSnapshot
}

// StateUpdate is a venue publication of a pair's state.
type StateUpdate struct {
	OpenInterest model.OpenInterest
	Funding      model.SumFractionSnapshot
	Borrow       model.SumFractionSnapshot
}

// NewPairState creates a pair state from an initial venue snapshot.
func NewPairState(u StateUpdate) *PairState {
	return &PairState{
		openInterest: clampOpenInterest(u.OpenInterest),
		funding:      u.Funding,
		borrow:       u.Borrow,
	}
}

// OpenInterest returns the current open interest.
func (s *PairState) OpenInterest() model.OpenInterest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openInterest
}

// FundingSnapshot returns the last published funding snapshot.
func (s *PairState) FundingSnapshot() model.SumFractionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.funding
}

// BorrowSnapshot returns the last published borrow snapshot.
func (s *PairState) BorrowSnapshot() model.SumFractionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.borrow
}

// CurrentFundingSumFraction extrapolates the funding sum fraction of a side
// to now:
//
//	current = snapshot.value[side] + fundingRate(side) * hoursSince(snapshot)
func (s *PairState) CurrentFundingSumFraction(cfg *TradePair, side model.Side, now time.Time) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate := cfg.FundingRate(s.openInterest).Get(side)
	return s.funding.Value.Get(side).Add(rate.Mul(hoursBetween(s.funding.Timestamp, now)))
}

// CurrentBorrowSumFraction extrapolates the borrow sum fraction of a side to now.
func (s *PairState) CurrentBorrowSumFraction(cfg *TradePair, side model.Side, now time.Time) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate := cfg.BorrowRate(s.openInterest).Get(side)
	return s.borrow.Value.Get(side).Add(rate.Mul(hoursBetween(s.borrow.Timestamp, now)))
}

// Apply replaces the state with a venue publication. Publications whose
// snapshots are older than the held ones are stale and ignored; the return
// value reports whether the update was applied. A snapshot without a
// timestamp does not accrue until the next timestamped one arrives.
func (s *PairState) Apply(u StateUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if staleSnapshot(u.Funding.Timestamp, s.funding.Timestamp) || staleSnapshot(u.Borrow.Timestamp, s.borrow.Timestamp) {
		return false
	}
	s.openInterest = clampOpenInterest(u.OpenInterest)
	s.funding = u.Funding
	s.borrow = u.Borrow
	return true
}

// AdjustOpenInterestForTrade moves open interest for a position changing
// from oldSize to nextSize. This is the only client-side OI mutation.
//
//	long  -> long : long  += next - old
//	short -> short: short += |next| - |old|
//	long  -> short: long  -= old,   short += |next|
//	short -> long : short -= |old|, long  += next
func (s *PairState) AdjustOpenInterestForTrade(oldSize, nextSize decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oi := s.openInterest
	switch {
	case !oldSize.IsNegative() && !nextSize.IsNegative():
		oi.Long = oi.Long.Add(nextSize.Sub(oldSize))
	case !oldSize.IsPositive() && !nextSize.IsPositive():
		oi.Short = oi.Short.Add(nextSize.Abs().Sub(oldSize.Abs()))
	case oldSize.IsPositive() && nextSize.IsNegative():
		oi.Long = oi.Long.Sub(oldSize)
		oi.Short = oi.Short.Add(nextSize.Abs())
	default: // short -> long
		oi.Short = oi.Short.Sub(oldSize.Abs())
		oi.Long = oi.Long.Add(nextSize)
	}
	s.openInterest = clampOpenInterest(oi)
}

// Clone returns an independent copy, used to simulate trades without
// touching the shared state.
func (s *PairState) Clone() *PairState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &PairState{
		openInterest: s.openInterest,
		funding:      s.funding,
		borrow:       s.borrow,
	}
}

// staleSnapshot reports whether a snapshot taken at next is older than
// the held one. Snapshots without a timestamp are never stale.
func staleSnapshot(next, held time.Time) bool {
	return !next.IsZero() && next.Before(held)
}

func hoursBetween(from, to time.Time) decimal.Decimal {
	elapsed := to.Sub(from)
	if elapsed <= 0 || from.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(elapsed)).Div(nanosPerHour)
}

// clampOpenInterest keeps both sides non-negative if the local view
// drifted from the venue's.
func clampOpenInterest(oi model.OpenInterest) model.OpenInterest {
	if oi.Long.IsNegative() {
		oi.Long = decimal.Zero
	}
	if oi.Short.IsNegative() {
		oi.Short = decimal.Zero
	}
	return oi
}
