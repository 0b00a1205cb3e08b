// Package market implements per-pair risk configuration and market state for
// synthetic liquidity pools: margin requirements, funding and borrow rates,
// open interest bookkeeping and skew-based price impact.
//
// All monetary values use shopspring/decimal, never float64.
package market

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

var (
	// ErrPairInactive is returned when trading on a pair that is switched off.
	ErrPairInactive = errors.New("market: trade pair is not active")

	// ErrReduceOnly is returned when a trade on a reduce-only pair would
	// increase the absolute position size.
	ErrReduceOnly = errors.New("market: trade pair is reduce-only")

	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// MaxOpenInterest holds open interest caps. A nil field is unbounded.
type MaxOpenInterest struct {
	Long  *decimal.Decimal `json:"long,omitempty"`
	Short *decimal.Decimal `json:"short,omitempty"`
	Diff  *decimal.Decimal `json:"diff,omitempty"`
}

// Get returns the cap for side s, or nil.
func (m MaxOpenInterest) Get(s model.Side) *decimal.Decimal {
	if s == model.Short {
		return m.Short
	}
	return m.Long
}

// TradePair is the static risk configuration of one market. Values are
// fractions (0.05 = 5%). A TradePair is never mutated after construction;
// tradeability changes produce a new value via WithTradeability.
type TradePair struct {
	ID model.TradePairID `json:"id"`

	InitialMarginFraction     decimal.Decimal `json:"initial_margin_fraction"`
	MaintenanceMarginFraction decimal.Decimal `json:"maintenance_margin_fraction"`

	// Incremental fractions are added once per IncrementalPositionSize step
	// beyond BaselinePositionSize.
	IncrementalInitialMarginFraction     decimal.Decimal `json:"incremental_initial_margin_fraction"`
	IncrementalMaintenanceMarginFraction decimal.Decimal `json:"incremental_maintenance_margin_fraction"`
	BaselinePositionSize                 decimal.Decimal `json:"baseline_position_size"`
	IncrementalPositionSize              decimal.Decimal `json:"incremental_position_size"`

	MarginFeeFraction decimal.Decimal `json:"margin_fee_fraction"`
	SpreadFraction    decimal.Decimal `json:"spread_fraction"`

	FundingFactor   decimal.Decimal `json:"funding_factor"`
	FundingExponent decimal.Decimal `json:"funding_exponent"`
	BorrowFactor    decimal.Decimal `json:"borrow_factor"`

	MaxOpenInterest MaxOpenInterest `json:"max_open_interest"`

	Active     bool `json:"active"`
	ReduceOnly bool `json:"reduce_only"`

	// Price impact is enabled only when both are set.
	PriceImpactFraction *decimal.Decimal `json:"price_impact_fraction,omitempty"`
	SkewScale           *decimal.Decimal `json:"skew_scale,omitempty"`
}

// WithTradeability returns a copy of the pair with new active/reduce-only flags.
func (p *TradePair) WithTradeability(active, reduceOnly bool) *TradePair {
	cp := *p
	cp.Active = active
	cp.ReduceOnly = reduceOnly
	return &cp
}

// InitialMarginFractionFor returns the initial margin fraction that applies
// to a position of the given size.
func (p *TradePair) InitialMarginFractionFor(size decimal.Decimal) decimal.Decimal {
	return p.marginFraction(p.InitialMarginFraction, p.IncrementalInitialMarginFraction, size)
}

// MaintenanceMarginFractionFor returns the maintenance margin fraction that
// applies to a position of the given size.
func (p *TradePair) MaintenanceMarginFractionFor(size decimal.Decimal) decimal.Decimal {
	return p.marginFraction(p.MaintenanceMarginFraction, p.IncrementalMaintenanceMarginFraction, size)
}

// marginFraction computes:
//
//	fraction = base + incremental * ceil((|size| - baseline) / step)
//
// The incremental part only applies once |size| exceeds the baseline.
func (p *TradePair) marginFraction(base, incremental, size decimal.Decimal) decimal.Decimal {
	abs := size.Abs()
	if abs.LessThanOrEqual(p.BaselinePositionSize) || incremental.IsZero() {
		return base
	}

	step := p.IncrementalPositionSize
	if !step.IsPositive() {
		step = p.BaselinePositionSize
	}
	if !step.IsPositive() {
		return base.Add(incremental)
	}

	steps := abs.Sub(p.BaselinePositionSize).Div(step).Ceil()
	return base.Add(incremental.Mul(steps))
}

// InitialMargin returns |size| * price * initial margin fraction.
func (p *TradePair) InitialMargin(size, price decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price).Mul(p.InitialMarginFractionFor(size))
}

// MaintenanceMargin returns |size| * price * maintenance margin fraction.
func (p *TradePair) MaintenanceMargin(size, price decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price).Mul(p.MaintenanceMarginFractionFor(size))
}

// TradeFee returns the margin fee charged on a fill of the given size.
func (p *TradePair) TradeFee(size, price decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price).Mul(p.MarginFeeFraction)
}

// FundingRate returns the hourly funding rate per side.
//
//	imbalance = |OI.long - OI.short|
//	rate      = fundingFactor * imbalance^fundingExponent / totalOI
//
// The heavier side pays +rate and the lighter side receives -rate, so the
// two rates always sum to zero.
func (p *TradePair) FundingRate(oi model.OpenInterest) model.SideValues {
	total := oi.Total()
	imbalance := oi.Long.Sub(oi.Short).Abs()
	if total.IsZero() || imbalance.IsZero() {
		return model.SideValues{Long: decimal.Zero, Short: decimal.Zero}
	}

	powered := one
	if !p.FundingExponent.IsZero() {
		powered = imbalance.Pow(p.FundingExponent)
	}
	rate := p.FundingFactor.Mul(powered).Div(total)

	if oi.Long.GreaterThan(oi.Short) {
		return model.SideValues{Long: rate, Short: rate.Neg()}
	}
	return model.SideValues{Long: rate.Neg(), Short: rate}
}

// BorrowRate returns the hourly borrow rate per side:
//
//	rate[side] = OI[side] * borrowFactor / maxOpenInterest[side]
//
// A side without a (positive) cap does not accrue borrow fees.
func (p *TradePair) BorrowRate(oi model.OpenInterest) model.SideValues {
	rate := func(s model.Side) decimal.Decimal {
		limit := p.MaxOpenInterest.Get(s)
		if limit == nil || !limit.IsPositive() {
			return decimal.Zero
		}
		return oi.Get(s).Mul(p.BorrowFactor).Div(*limit)
	}
	return model.SideValues{Long: rate(model.Long), Short: rate(model.Short)}
}

// CheckTradeability validates a trade moving a position from oldSize to
// nextSize against the pair's active and reduce-only flags.
func (p *TradePair) CheckTradeability(oldSize, nextSize decimal.Decimal) error {
	if !p.Active {
		return ErrPairInactive
	}
	if p.ReduceOnly && nextSize.Abs().GreaterThan(oldSize.Abs()) {
		return ErrReduceOnly
	}
	return nil
}
