package account

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/pricefeed"
)

// FailureReason explains why a simulated trade would be rejected.
type FailureReason string

const (
	FailureNone               FailureReason = ""
	FailureZeroSize           FailureReason = "zero_size"
	FailureUnknownPair        FailureReason = "unknown_pair"
	FailureNoPrice            FailureReason = "no_price"
	FailurePairInactive       FailureReason = "pair_inactive"
	FailureReduceOnly         FailureReason = "reduce_only"
	FailureMaxOpenInterest    FailureReason = "max_open_interest"
	FailureInsufficientMargin FailureReason = "insufficient_margin"

	// FailureInternal covers errors that are not a trade rejection.
	FailureInternal FailureReason = "internal"
)

// SimulationResult is the outcome of a hypothetical trade.
type SimulationResult struct {
	Pair  model.Pair      `json:"pair"`
	Size  decimal.Decimal `json:"size"`
	Price decimal.Decimal `json:"price"`
	Fee   decimal.Decimal `json:"fee"`

	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Position    Position        `json:"position"`
	Before      Valuation       `json:"before"`
	After       Valuation       `json:"after"`

	// FailureReason is empty when the trade would be accepted.
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	err error
}

// OK reports whether the trade would be accepted.
func (r SimulationResult) OK() bool { return r.FailureReason == FailureNone }

// Err returns the validation error behind FailureReason, or nil.
func (r SimulationResult) Err() error {
	if r.OK() {
		return nil
	}
	return r.err
}

// SimulateTrade applies a trade of signed size on pair to a clone of the
// account at the current trade price, without contacting the venue. It
// always returns a result; rejections are reported in FailureReason.
func (a *Account) SimulateTrade(pair model.Pair, size decimal.Decimal) SimulationResult {
	res := a.simulate(pair, size)
	outcome := string(res.FailureReason)
	if res.OK() {
		outcome = "ok"
	}
	metrics.SimulatedTrades.WithLabelValues(outcome).Inc()
	return res
}

func (a *Account) simulate(pair model.Pair, size decimal.Decimal) SimulationResult {
	res := SimulationResult{Pair: pair, Size: size}
	fail := func(reason FailureReason, err error) SimulationResult {
		res.FailureReason = reason
		res.err = err
		return res
	}

	if size.IsZero() {
		return fail(FailureZeroSize, ErrZeroSize)
	}
	if _, err := a.pool.TradePair(pair); err != nil {
		return fail(FailureUnknownPair, fmt.Errorf("%w: %w", ErrValidation, err))
	}

	before, err := a.Valuation()
	if err != nil {
		return fail(failureFor(err), fmt.Errorf("%w: %w", ErrValidation, err))
	}
	res.Before = before

	old := a.Position(pair).Size
	if err := a.pool.CheckTrade(pair, old, old.Add(size)); err != nil {
		return fail(failureFor(err), fmt.Errorf("%w: %w", ErrValidation, err))
	}

	clone := a.Clone()
	price, err := clone.pool.TradePrice(pair, size)
	if err != nil {
		return fail(failureFor(err), fmt.Errorf("%w: %w", ErrValidation, err))
	}
	fill, err := clone.ApplyTradeEffect(pair, size, price)
	if err != nil {
		return fail(failureFor(err), err)
	}
	res.Price = fill.Price
	res.Fee = fill.Fee
	res.RealizedPnL = fill.RealizedPnL
	res.Position = clone.Position(pair)

	after, err := clone.Valuation()
	if err != nil {
		return fail(failureFor(err), fmt.Errorf("%w: %w", ErrValidation, err))
	}
	res.After = after

	if after.Equity.LessThan(after.InitialMargin) {
		return fail(FailureInsufficientMargin, fmt.Errorf("%w: equity %s, initial margin %s",
			ErrInsufficientMargin, after.Equity, after.InitialMargin))
	}
	return res
}

func failureFor(err error) FailureReason {
	switch {
	case errors.Is(err, ErrZeroSize):
		return FailureZeroSize
	case errors.Is(err, pool.ErrUnknownPair):
		return FailureUnknownPair
	case errors.Is(err, pricefeed.ErrNoPrice):
		return FailureNoPrice
	case errors.Is(err, market.ErrPairInactive):
		return FailurePairInactive
	case errors.Is(err, market.ErrReduceOnly):
		return FailureReduceOnly
	case errors.Is(err, market.ErrMaxLongOpenInterest),
		errors.Is(err, market.ErrMaxShortOpenInterest),
		errors.Is(err, market.ErrMaxOpenInterestDiff):
		return FailureMaxOpenInterest
	default:
		return FailureInternal
	}
}
