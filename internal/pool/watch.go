package pool

import (
	"context"
	"fmt"

	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
)

// Watch subscribes the pool to the venue's liquidityPool publications and,
// when its price source streams, to the index price of every listed pair.
func (p *Pool) Watch(ctx context.Context) error {
	if p.venue == nil {
		return ErrNoVenue
	}
	if err := p.watchPrices(); err != nil {
		return err
	}
	id, err := p.venue.SubscribeLiquidityPool(ctx, p.id, p)
	if err != nil {
		p.unwatchPrices()
		return err
	}
	p.mu.Lock()
	p.subID = id
	p.mu.Unlock()
	return nil
}

func (p *Pool) watchPrices() error {
	sub, ok := p.prices.(pricefeed.Subscriber)
	if !ok {
		return nil
	}
	var cancels []func()
	for _, pair := range p.Pairs() {
		cancel, err := sub.Subscribe(pair, nil)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return fmt.Errorf("pool %s: subscribe price %s: %w", p.id, pair, err)
		}
		cancels = append(cancels, cancel)
	}
	p.mu.Lock()
	p.priceCancels = append(p.priceCancels, cancels...)
	p.mu.Unlock()
	return nil
}

func (p *Pool) unwatchPrices() {
	p.mu.Lock()
	cancels := p.priceCancels
	p.priceCancels = nil
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Unwatch cancels the subscriptions made by Watch.
func (p *Pool) Unwatch() {
	p.unwatchPrices()
	p.mu.Lock()
	id := p.subID
	p.subID = ""
	p.mu.Unlock()
	if id != "" && p.venue != nil {
		p.venue.CancelSubscription(id)
	}
}

// OnUpdate registers fn to run after a publication changed a pair.
func (p *Pool) OnUpdate(fn func(model.TradePairID)) {
	p.hooksMu.Lock()
	p.hooks = append(p.hooks, fn)
	p.hooksMu.Unlock()
}

// HandlePublication applies lpPairState and lpPairTradeability
// publications. Other content is ignored.
func (p *Pool) HandlePublication(content protocol.Publication, topic string) {
	switch u := content.(type) {
	case protocol.PairStateUpdate:
		p.applyState(u)
	case protocol.PairTradeabilityUpdate:
		p.applyTradeability(u)
	default:
		p.logger.Debug("ignoring publication", "topic", topic)
	}
}

func (p *Pool) applyState(u protocol.PairStateUpdate) {
	if u.ID.LiquidityPoolID != p.id {
		return
	}
	st, err := p.State(u.ID.Pair)
	if err != nil {
		p.logger.Warn("pair state for unlisted pair", "pair", u.ID.Pair.String())
		return
	}
	if !st.Apply(u.State) {
		metrics.StalePublications.Inc()
		p.logger.Debug("ignoring stale pair state", "pair", u.ID.Pair.String())
		return
	}
	p.notify(u.ID)
}

func (p *Pool) applyTradeability(u protocol.PairTradeabilityUpdate) {
	if u.ID.LiquidityPoolID != p.id {
		return
	}
	p.mu.Lock()
	tp, ok := p.pairs[u.ID.Pair]
	if ok {
		p.pairs[u.ID.Pair] = tp.WithTradeability(u.Active, u.ReduceOnly)
	}
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("tradeability for unlisted pair", "pair", u.ID.Pair.String())
		return
	}
	p.logger.Info("pair tradeability changed", "pair", u.ID.Pair.String(), "active", u.Active, "reduce_only", u.ReduceOnly)
	p.notify(u.ID)
}

func (p *Pool) notify(id model.TradePairID) {
	p.hooksMu.RLock()
	hooks := make([]func(model.TradePairID), len(p.hooks))
	copy(hooks, p.hooks)
	p.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}
