package account

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Valuation is a snapshot of an account's equity and margin at the
// current prices and pair states.
type Valuation struct {
	RealizedEquity   decimal.Decimal `json:"realized_equity"`
	UnrealizedEquity decimal.Decimal `json:"unrealized_equity"`
	// Equity = RealizedEquity + UnrealizedEquity.
	Equity decimal.Decimal `json:"equity"`
	// AccruedFees is already included in UnrealizedEquity.
	AccruedFees          decimal.Decimal `json:"accrued_fees"`
	InitialMargin        decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin    decimal.Decimal `json:"maintenance_margin"`
	AvailableEquity      decimal.Decimal `json:"available_equity"`
	OpenInterestNotional decimal.Decimal `json:"open_interest_notional"`
	Leverage             decimal.Decimal `json:"leverage"`
	Liquidatable         bool            `json:"liquidatable"`
}

// Valuation computes the account's equity and margin requirements.
//
// Unrealized equity per position is the P&L of closing it in full at the
// price a closing trade would get, minus accrued funding and borrow fees.
// Margins and notional are taken at the pair's market price.
func (a *Account) Valuation() (Valuation, error) {
	positions := a.Positions()
	now := a.now()

	v := Valuation{
		RealizedEquity:       a.RealizedEquity(),
		UnrealizedEquity:     decimal.Zero,
		AccruedFees:          decimal.Zero,
		InitialMargin:        decimal.Zero,
		MaintenanceMargin:    decimal.Zero,
		OpenInterestNotional: decimal.Zero,
		Leverage:             decimal.Zero,
	}

	for _, p := range positions {
		pair := p.ID.Pair
		tp, err := a.pool.TradePair(pair)
		if err != nil {
			return Valuation{}, fmt.Errorf("value position %s: %w", p.ID, err)
		}
		st, err := a.pool.State(pair)
		if err != nil {
			return Valuation{}, fmt.Errorf("value position %s: %w", p.ID, err)
		}
		closePrice, err := a.pool.TradePrice(pair, p.Size.Neg())
		if err != nil {
			return Valuation{}, fmt.Errorf("value position %s: %w", p.ID, err)
		}
		mp, err := a.pool.MarketPrice(pair)
		if err != nil {
			return Valuation{}, fmt.Errorf("value position %s: %w", p.ID, err)
		}
		mid := mp.Mid()

		fees := p.AccruedFees(tp, st, now)
		v.AccruedFees = v.AccruedFees.Add(fees)
		v.UnrealizedEquity = v.UnrealizedEquity.Add(p.UnrealizedPnL(closePrice)).Sub(fees)
		v.InitialMargin = v.InitialMargin.Add(tp.InitialMargin(p.Size, mid))
		v.MaintenanceMargin = v.MaintenanceMargin.Add(tp.MaintenanceMargin(p.Size, mid))
		v.OpenInterestNotional = v.OpenInterestNotional.Add(p.Size.Abs().Mul(mid))
	}

	v.Equity = v.RealizedEquity.Add(v.UnrealizedEquity)
	v.AvailableEquity = v.Equity.Sub(v.InitialMargin)
	if v.Equity.IsPositive() {
		v.Leverage = v.OpenInterestNotional.Div(v.Equity)
	}
	v.Liquidatable = len(positions) > 0 && v.Equity.LessThan(v.MaintenanceMargin)
	return v, nil
}

// UnrealizedEquity returns the P&L of closing every position now, net of
// accrued fees.
func (a *Account) UnrealizedEquity() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.UnrealizedEquity, err
}

// Equity returns realized plus unrealized equity.
func (a *Account) Equity() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.Equity, err
}

// AvailableEquity returns equity not tied up as initial margin.
func (a *Account) AvailableEquity() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.AvailableEquity, err
}

// InitialMargin returns the initial margin required by all open positions.
func (a *Account) InitialMargin() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.InitialMargin, err
}

// MaintenanceMargin returns the maintenance margin required by all open positions.
func (a *Account) MaintenanceMargin() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.MaintenanceMargin, err
}

// OpenInterestNotional returns the summed notional of all open positions.
func (a *Account) OpenInterestNotional() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.OpenInterestNotional, err
}

// Leverage returns notional over equity, or zero when equity is not positive.
func (a *Account) Leverage() (decimal.Decimal, error) {
	v, err := a.Valuation()
	return v.Leverage, err
}

// Liquidatable reports whether equity fell below the maintenance margin.
func (a *Account) Liquidatable() (bool, error) {
	v, err := a.Valuation()
	return v.Liquidatable, err
}
