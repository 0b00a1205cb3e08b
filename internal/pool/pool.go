// Package pool mirrors one synthetic liquidity pool: its trade pairs, their
// market state and the prices they quote.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
)

var (
	// ErrUnknownPair is returned for pairs the pool does not list.
	ErrUnknownPair = errors.New("pool: unknown trade pair")

	// ErrNoVenue is returned when submitting through a pool that is not
	// connected to the venue, such as a simulation fork.
	ErrNoVenue = errors.New("pool: no venue connection")
)

// Venue is the subset of the protocol adapter the pool uses.
type Venue interface {
	GetLpConfig(ctx context.Context, lpID string) (protocol.LpConfig, error)
	SubscribeLiquidityPool(ctx context.Context, lpID string, l protocol.Listener) (string, error)
	CancelSubscription(id string) bool
	Trade(ctx context.Context, signer protocol.Signer, req protocol.TradeRequest) (protocol.TradeResult, error)
}

// Pool owns the TradePairs and PairStates of one liquidity pool.
//
// Safe for concurrent use.
type Pool struct {
	id     string
	prices pricefeed.Source
	venue  Venue
	logger *slog.Logger

	mu     sync.RWMutex
	order  []model.Pair
	pairs  map[model.Pair]*market.TradePair
	states map[model.Pair]*market.PairState
	subID  string

	priceCancels []func()

	hooksMu sync.RWMutex
	hooks   []func(model.TradePairID)
}

// New creates a pool from pair configurations. venue may be nil for an
// offline pool.
func New(id string, pairs []protocol.PairConfig, prices pricefeed.Source, venue Venue) *Pool {
	p := &Pool{
		id:     id,
		prices: prices,
		venue:  venue,
		logger: slog.Default().With("component", "pool", "lp_id", id),
		pairs:  make(map[model.Pair]*market.TradePair, len(pairs)),
		states: make(map[model.Pair]*market.PairState, len(pairs)),
	}
	for _, pc := range pairs {
		pair := pc.TradePair.ID.Pair
		if _, dup := p.pairs[pair]; !dup {
			p.order = append(p.order, pair)
		}
		p.pairs[pair] = pc.TradePair
		p.states[pair] = market.NewPairState(pc.State)
	}
	return p
}

// Load fetches the pool's configuration from the venue.
func Load(ctx context.Context, venue Venue, id string, prices pricefeed.Source) (*Pool, error) {
	cfg, err := venue.GetLpConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", id, err)
	}
	p := New(id, cfg.Pairs, prices, venue)
	p.logger.Info("pool loaded", "pairs", len(cfg.Pairs))
	return p, nil
}

// ID returns the liquidity pool id.
func (p *Pool) ID() string { return p.id }

// TradePairID returns the id of pair within this pool.
func (p *Pool) TradePairID(pair model.Pair) model.TradePairID {
	return model.TradePairID{Pair: pair, LiquidityPoolID: p.id}
}

// Pairs returns the listed pairs in listing order.
func (p *Pool) Pairs() []model.Pair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Pair, len(p.order))
	copy(out, p.order)
	return out
}

// TradePair returns the current configuration of pair.
func (p *Pool) TradePair(pair model.Pair) (*market.TradePair, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tp, ok := p.pairs[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownPair, pair, p.id)
	}
	return tp, nil
}

// State returns the market state of pair.
func (p *Pool) State(pair model.Pair) (*market.PairState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownPair, pair, p.id)
	}
	return st, nil
}

func (p *Pool) lookup(pair model.Pair) (*market.TradePair, *market.PairState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tp, ok := p.pairs[pair]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrUnknownPair, pair, p.id)
	}
	return tp, p.states[pair], nil
}

// IndexPrice returns the latest index price of pair.
func (p *Pool) IndexPrice(pair model.Pair) (decimal.Decimal, error) {
	if _, _, err := p.lookup(pair); err != nil {
		return decimal.Zero, err
	}
	return p.prices.Latest(pair)
}

// MarketPrice quotes pair for a presumed order of one pool currency unit.
func (p *Pool) MarketPrice(pair model.Pair) (model.MarketPrice, error) {
	tp, st, err := p.lookup(pair)
	if err != nil {
		return model.MarketPrice{}, err
	}
	index, err := p.prices.Latest(pair)
	if err != nil {
		return model.MarketPrice{}, err
	}
	return tp.MarketPrice(index, st.OpenInterest()), nil
}

// Quote prices bid and ask of pair for an order of |size| lots.
func (p *Pool) Quote(pair model.Pair, size decimal.Decimal) (model.MarketPrice, error) {
	tp, st, err := p.lookup(pair)
	if err != nil {
		return model.MarketPrice{}, err
	}
	index, err := p.prices.Latest(pair)
	if err != nil {
		return model.MarketPrice{}, err
	}
	return tp.Quote(index, st.OpenInterest(), size), nil
}

// TradePrice returns the price a trade of signed size would fill at.
func (p *Pool) TradePrice(pair model.Pair, size decimal.Decimal) (decimal.Decimal, error) {
	q, err := p.Quote(pair, size)
	if err != nil {
		return decimal.Zero, err
	}
	return q.ForSize(size), nil
}

// CheckTrade validates a position moving from oldSize to nextSize against
// the pair's tradeability flags and open interest caps.
func (p *Pool) CheckTrade(pair model.Pair, oldSize, nextSize decimal.Decimal) error {
	tp, st, err := p.lookup(pair)
	if err != nil {
		return err
	}
	if err := tp.CheckTradeability(oldSize, nextSize); err != nil {
		return err
	}
	return tp.CheckOpenInterest(st.OpenInterest(), oldSize, nextSize)
}

// AdjustOpenInterestForTrade moves the pair's open interest for a position
// changing from oldSize to nextSize.
func (p *Pool) AdjustOpenInterestForTrade(pair model.Pair, oldSize, nextSize decimal.Decimal) error {
	st, err := p.State(pair)
	if err != nil {
		return err
	}
	st.AdjustOpenInterestForTrade(oldSize, nextSize)
	return nil
}

// SubmitTrade forwards a signed trade to the venue.
func (p *Pool) SubmitTrade(ctx context.Context, signer protocol.Signer, req protocol.TradeRequest) (protocol.TradeResult, error) {
	if p.venue == nil {
		return protocol.TradeResult{}, ErrNoVenue
	}
	if req.TradePairID.LiquidityPoolID != p.id {
		return protocol.TradeResult{}, fmt.Errorf("%w: %s", ErrUnknownPair, req.TradePairID)
	}
	if _, _, err := p.lookup(req.TradePairID.Pair); err != nil {
		return protocol.TradeResult{}, err
	}
	res, err := p.venue.Trade(ctx, signer, req)
	if err != nil {
		return protocol.TradeResult{}, err
	}
	metrics.TradesSubmitted.WithLabelValues(model.SideOf(req.Size).String()).Inc()
	return res, nil
}

// Fork returns an offline copy of the pool with independent pair states,
// for simulating trades. Trade pair configs are immutable and shared.
func (p *Pool) Fork() *Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f := &Pool{
		id:     p.id,
		prices: p.prices,
		logger: p.logger,
		order:  append([]model.Pair(nil), p.order...),
		pairs:  make(map[model.Pair]*market.TradePair, len(p.pairs)),
		states: make(map[model.Pair]*market.PairState, len(p.states)),
	}
	for pair, tp := range p.pairs {
		f.pairs[pair] = tp
		f.states[pair] = p.states[pair].Clone()
	}
	return f
}
