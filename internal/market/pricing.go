package market

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// PriceImpactEnabled reports whether the pair prices trades off the
// open interest skew instead of a flat spread.
func (p *TradePair) PriceImpactEnabled() bool {
	return p.PriceImpactFraction != nil && p.SkewScale != nil && p.SkewScale.IsPositive()
}

// Premium returns the skew premium for the given open interest:
//
//	premium = (OI.long - OI.short) / skewScale
func (p *TradePair) Premium(oi model.OpenInterest) decimal.Decimal {
	if !p.PriceImpactEnabled() {
		return decimal.Zero
	}
	return oi.Long.Sub(oi.Short).Div(*p.SkewScale)
}

// AveragePremium returns the mean of the premium before and after a
// presumed order of orderSize lots. The "after" state adds the signed
// order size to OI.long only, whatever the order's direction.
func (p *TradePair) AveragePremium(oi model.OpenInterest, orderSize decimal.Decimal) decimal.Decimal {
	before := p.Premium(oi)
	after := p.Premium(model.OpenInterest{Long: oi.Long.Add(orderSize), Short: oi.Short})
	return before.Add(after).Div(two)
}

// ImpactPrice returns the execution price of a presumed order:
//
//	execution = index * (1 + averagePremium)
//	price     = execution * (1 + impactFraction)   for buys
//	price     = execution * (1 - impactFraction)   for sells
//
// Requires price impact to be enabled.
func (p *TradePair) ImpactPrice(index decimal.Decimal, oi model.OpenInterest, orderSize decimal.Decimal) decimal.Decimal {
	execution := index.Mul(one.Add(p.AveragePremium(oi, orderSize)))
	fraction := *p.PriceImpactFraction
	if orderSize.IsNegative() {
		fraction = fraction.Neg()
	}
	return execution.Mul(one.Add(fraction))
}

// MarketPrice quotes the pair at the given index price. Bid and ask are
// priced for a presumed order worth one unit of pool currency.
func (p *TradePair) MarketPrice(index decimal.Decimal, oi model.OpenInterest) model.MarketPrice {
	presumed := decimal.Zero
	if index.IsPositive() {
		presumed = one.Div(index)
	}
	return p.Quote(index, oi, presumed)
}

// Quote prices bid and ask for an order of |size| lots.
//
// Without price impact: bid = index * (1 - spread), ask = index * (1 + spread).
// With price impact the skew-adjusted market price is also set.
func (p *TradePair) Quote(index decimal.Decimal, oi model.OpenInterest, size decimal.Decimal) model.MarketPrice {
	if !p.PriceImpactEnabled() {
		return model.MarketPrice{
			Index:   index,
			BestBid: index.Mul(one.Sub(p.SpreadFraction)),
			BestAsk: index.Mul(one.Add(p.SpreadFraction)),
		}
	}

	abs := size.Abs()
	market := index.Mul(one.Add(p.Premium(oi)))
	return model.MarketPrice{
		Index:   index,
		BestBid: p.ImpactPrice(index, oi, abs.Neg()),
		BestAsk: p.ImpactPrice(index, oi, abs),
		Market:  &market,
	}
}

// TradePrice returns the fill price for a trade of the given signed size:
// ask for buys, bid for sells, index for zero.
func (p *TradePair) TradePrice(index decimal.Decimal, oi model.OpenInterest, size decimal.Decimal) decimal.Decimal {
	return p.Quote(index, oi, size).ForSize(size)
}
