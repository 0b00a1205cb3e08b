package account

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
)

// Position is an account's exposure on one trade pair. Size is signed:
// positive long, negative short, zero flat. The sum fractions are the
// funding and borrow counters of the position's side at its last size
// change, and are meaningful only while Size is non-zero.
type Position struct {
	ID                 model.TradePairID `json:"id"`
	Size               decimal.Decimal   `json:"size"`
	EntryPrice         decimal.Decimal   `json:"entry_price"`
	FundingSumFraction decimal.Decimal   `json:"funding_sum_fraction"`
	BorrowSumFraction  decimal.Decimal   `json:"borrow_sum_fraction"`
}

// TradeEffect is what applying a fill to a position realizes.
type TradeEffect struct {
	// RealizedPnL is the profit (positive) or loss of the closed part.
	RealizedPnL decimal.Decimal
	// SettledFees are the funding and borrow fees accrued since the last
	// size change. Positive fees are owed by the account.
	SettledFees decimal.Decimal
}

// IsFlat reports whether the position holds no exposure.
func (p Position) IsFlat() bool { return p.Size.IsZero() }

// Side returns the side of the position. A flat position counts as long.
func (p Position) Side() model.Side { return model.SideOf(p.Size) }

// AccruedFees returns the funding and borrow fees owed since the last size
// change, evaluated at now:
//
//	fees = |size| * ((funding(now) - fundingSnapshot) + (borrow(now) - borrowSnapshot))
func (p Position) AccruedFees(tp *market.TradePair, st *market.PairState, now time.Time) decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	side := p.Side()
	funding := st.CurrentFundingSumFraction(tp, side, now).Sub(p.FundingSumFraction)
	borrow := st.CurrentBorrowSumFraction(tp, side, now).Sub(p.BorrowSumFraction)
	return p.Size.Abs().Mul(funding.Add(borrow))
}

// UnrealizedPnL returns the profit of closing the whole position at closePrice.
func (p Position) UnrealizedPnL(closePrice decimal.Decimal) decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	return p.Size.Mul(closePrice.Sub(p.EntryPrice))
}

// ApplyTrade moves the position by tradeSize filled at fillPrice.
//
//	increase:       entry = (|size|*entry + |trade|*fill) / (|size| + |trade|)
//	decrease:       pnl   = -trade * (fill - entry), entry unchanged
//	close and flip: pnl   = size * (fill - entry),   entry = fill
//
// Fees accrued so far are settled and the sum fraction snapshots reset to
// the current values of the resulting side.
func (p *Position) ApplyTrade(tradeSize, fillPrice decimal.Decimal, tp *market.TradePair, st *market.PairState, now time.Time) TradeEffect {
	effect := TradeEffect{
		RealizedPnL: decimal.Zero,
		SettledFees: p.AccruedFees(tp, st, now),
	}
	if tradeSize.IsZero() {
		p.resetSnapshots(tp, st, now)
		return effect
	}

	old := p.Size
	next := old.Add(tradeSize)

	switch {
	case old.IsZero() || old.Sign() == tradeSize.Sign():
		oldAbs, tradeAbs := old.Abs(), tradeSize.Abs()
		p.EntryPrice = oldAbs.Mul(p.EntryPrice).Add(tradeAbs.Mul(fillPrice)).Div(oldAbs.Add(tradeAbs))
	case tradeSize.Abs().LessThanOrEqual(old.Abs()):
		effect.RealizedPnL = tradeSize.Neg().Mul(fillPrice.Sub(p.EntryPrice))
		if next.IsZero() {
			p.EntryPrice = decimal.Zero
		}
	default:
		effect.RealizedPnL = old.Mul(fillPrice.Sub(p.EntryPrice))
		p.EntryPrice = fillPrice
	}

	p.Size = next
	p.resetSnapshots(tp, st, now)
	return effect
}

func (p *Position) resetSnapshots(tp *market.TradePair, st *market.PairState, now time.Time) {
	if p.IsFlat() {
		p.FundingSumFraction = decimal.Zero
		p.BorrowSumFraction = decimal.Zero
		return
	}
	side := p.Side()
	p.FundingSumFraction = st.CurrentFundingSumFraction(tp, side, now)
	p.BorrowSumFraction = st.CurrentBorrowSumFraction(tp, side, now)
}
