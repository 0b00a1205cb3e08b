package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
	"github.com/atmx/margin-engine/internal/protocol/venuetest"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var (
	ethUSD = model.Pair{Base: "ETH", Quote: "USD"}
	btcUSD = model.Pair{Base: "BTC", Quote: "USD"}
	t0     = time.UnixMilli(1_700_000_000_000).UTC()
)

func pairConfig(pair model.Pair, long, short float64) protocol.PairConfig {
	return protocol.PairConfig{
		TradePair: &market.TradePair{
			ID:                        model.TradePairID{Pair: pair, LiquidityPoolID: "lp-1"},
			InitialMarginFraction:     d(0.1),
			MaintenanceMarginFraction: d(0.05),
			MarginFeeFraction:         d(0.001),
			SpreadFraction:            d(0.001),
			FundingFactor:             d(0.001),
			FundingExponent:           d(1),
			BorrowFactor:              d(0.01),
			MaxOpenInterest:           market.MaxOpenInterest{Long: ptr(d(1000)), Short: ptr(d(1000))},
			Active:                    true,
			PriceImpactFraction:       ptr(d(0.00003)),
			SkewScale:                 ptr(d(1e6)),
		},
		State: market.StateUpdate{
			OpenInterest: model.OpenInterest{Long: d(long), Short: d(short)},
			Funding:      model.SumFractionSnapshot{Value: model.SideValues{Long: decimal.Zero, Short: decimal.Zero}, Timestamp: t0},
			Borrow:       model.SumFractionSnapshot{Value: model.SideValues{Long: decimal.Zero, Short: decimal.Zero}, Timestamp: t0},
		},
	}
}

func newPool(venue pool.Venue) *pool.Pool {
	prices := pricefeed.NewStatic(map[model.Pair]decimal.Decimal{ethUSD: d(2000), btcUSD: d(65000)})
	return pool.New("lp-1", []protocol.PairConfig{pairConfig(ethUSD, 500, 400), pairConfig(btcUSD, 0, 0)}, prices, venue)
}

func TestPool_PairsInListingOrder(t *testing.T) {
	p := newPool(nil)
	pairs := p.Pairs()
	if len(pairs) != 2 || pairs[0] != ethUSD || pairs[1] != btcUSD {
		t.Errorf("unexpected pairs: %v", pairs)
	}
}

func TestPool_UnknownPair(t *testing.T) {
	p := newPool(nil)
	sol := model.Pair{Base: "SOL", Quote: "USD"}

	if _, err := p.TradePair(sol); !errors.Is(err, pool.ErrUnknownPair) {
		t.Errorf("TradePair: expected ErrUnknownPair, got %v", err)
	}
	if _, err := p.MarketPrice(sol); !errors.Is(err, pool.ErrUnknownPair) {
		t.Errorf("MarketPrice: expected ErrUnknownPair, got %v", err)
	}
	if err := p.AdjustOpenInterestForTrade(sol, d(0), d(1)); !errors.Is(err, pool.ErrUnknownPair) {
		t.Errorf("AdjustOpenInterestForTrade: expected ErrUnknownPair, got %v", err)
	}
}

func TestPool_Prices(t *testing.T) {
	p := newPool(nil)

	mp, err := p.MarketPrice(ethUSD)
	if err != nil {
		t.Fatal(err)
	}
	if mp.Market == nil || !mp.Market.Equal(decimal.RequireFromString("2000.2")) {
		t.Errorf("market price: got %v", mp.Market)
	}

	buy, err := p.TradePrice(ethUSD, d(1))
	if err != nil {
		t.Fatal(err)
	}
	if got := buy.Round(8); !got.Equal(decimal.RequireFromString("2000.26100603")) {
		t.Errorf("buy price: got %s", got)
	}
	sell, _ := p.TradePrice(ethUSD, d(-1))
	if got := sell.Round(8); !got.Equal(decimal.RequireFromString("2000.13899403")) {
		t.Errorf("sell price: got %s", got)
	}
	if idx, _ := p.TradePrice(ethUSD, decimal.Zero); !idx.Equal(d(2000)) {
		t.Errorf("zero size must price at index, got %s", idx)
	}
}

func TestPool_CheckTrade(t *testing.T) {
	p := newPool(nil)

	if err := p.CheckTrade(ethUSD, d(0), d(10)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// 500 + 600 breaches the long cap of 1000.
	if err := p.CheckTrade(ethUSD, d(0), d(600)); !errors.Is(err, market.ErrMaxLongOpenInterest) {
		t.Errorf("expected ErrMaxLongOpenInterest, got %v", err)
	}

	p.HandlePublication(protocol.PairTradeabilityUpdate{ID: p.TradePairID(ethUSD), Active: false}, protocol.TopicLpPairTradeability)
	if err := p.CheckTrade(ethUSD, d(0), d(1)); !errors.Is(err, market.ErrPairInactive) {
		t.Errorf("expected ErrPairInactive, got %v", err)
	}
}

func TestPool_HandlePublication(t *testing.T) {
	p := newPool(nil)
	var updated []model.TradePairID
	p.OnUpdate(func(id model.TradePairID) { updated = append(updated, id) })

	fresh := market.StateUpdate{
		OpenInterest: model.OpenInterest{Long: d(10), Short: d(20)},
		Funding:      model.SumFractionSnapshot{Value: model.SideValues{Long: d(1), Short: d(-1)}, Timestamp: t0.Add(time.Hour)},
		Borrow:       model.SumFractionSnapshot{Value: model.SideValues{Long: d(2), Short: d(2)}, Timestamp: t0.Add(time.Hour)},
	}
	p.HandlePublication(protocol.PairStateUpdate{ID: p.TradePairID(ethUSD), State: fresh}, protocol.TopicLpPairState)

	st, _ := p.State(ethUSD)
	if oi := st.OpenInterest(); !oi.Long.Equal(d(10)) || !oi.Short.Equal(d(20)) {
		t.Errorf("state not applied: %+v", oi)
	}

	stale := fresh
	stale.OpenInterest = model.OpenInterest{Long: d(99), Short: d(99)}
	stale.Funding.Timestamp = t0
	p.HandlePublication(protocol.PairStateUpdate{ID: p.TradePairID(ethUSD), State: stale}, protocol.TopicLpPairState)
	if oi := st.OpenInterest(); !oi.Long.Equal(d(10)) {
		t.Errorf("stale state applied: %+v", oi)
	}

	// Other pools' publications are ignored.
	other := model.TradePairID{Pair: ethUSD, LiquidityPoolID: "lp-2"}
	p.HandlePublication(protocol.PairTradeabilityUpdate{ID: other, Active: false}, protocol.TopicLpPairTradeability)
	if tp, _ := p.TradePair(ethUSD); !tp.Active {
		t.Error("publication for another pool changed this pool")
	}

	p.HandlePublication(protocol.PairTradeabilityUpdate{ID: p.TradePairID(ethUSD), Active: true, ReduceOnly: true}, protocol.TopicLpPairTradeability)
	if tp, _ := p.TradePair(ethUSD); !tp.ReduceOnly {
		t.Error("reduce-only flag not applied")
	}

	if len(updated) != 2 {
		t.Errorf("expected 2 update notifications, got %d", len(updated))
	}
}

func TestPool_ForkIsIndependent(t *testing.T) {
	p := newPool(nil)
	f := p.Fork()

	if err := f.AdjustOpenInterestForTrade(ethUSD, d(0), d(100)); err != nil {
		t.Fatal(err)
	}
	fs, _ := f.State(ethUSD)
	ps, _ := p.State(ethUSD)
	if !fs.OpenInterest().Long.Equal(d(600)) {
		t.Errorf("fork OI: got %s", fs.OpenInterest().Long)
	}
	if !ps.OpenInterest().Long.Equal(d(500)) {
		t.Errorf("original OI changed by fork: %s", ps.OpenInterest().Long)
	}

	if _, err := f.SubmitTrade(context.Background(), nil, protocol.TradeRequest{TradePairID: f.TradePairID(ethUSD), Size: d(1)}); !errors.Is(err, pool.ErrNoVenue) {
		t.Errorf("expected ErrNoVenue from fork, got %v", err)
	}
}

// streamingPrices records the pairs a pool asks to stream.
type streamingPrices struct {
	*pricefeed.Static
	mu        sync.Mutex
	watched   []model.Pair
	cancelled int
}

func (s *streamingPrices) Subscribe(pair model.Pair, fn func(pricefeed.Update)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched = append(s.watched, pair)
	return func() {
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
	}, nil
}

func TestPool_LoadAndWatch(t *testing.T) {
	venue := venuetest.NewServer()
	defer venue.Close()
	venue.Handle(protocol.MethodGetLpConfig, func(protocol.Request) venuetest.Reply {
		return venuetest.OK("lpConfig", protocol.EncodeLpConfig(protocol.LpConfig{
			ID:    "lp-1",
			Pairs: []protocol.PairConfig{pairConfig(ethUSD, 500, 400)},
		}))
	})

	cfg := protocol.DefaultConfig(venue.URL())
	tr, err := protocol.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	adapter := protocol.NewAdapter(tr, protocol.Scope(1, [20]byte{}))

	prices := &streamingPrices{Static: pricefeed.NewStatic(map[model.Pair]decimal.Decimal{ethUSD: d(2000)})}
	p, err := pool.Load(context.Background(), adapter, "lp-1", prices)
	if err != nil {
		t.Fatal(err)
	}
	if tp, err := p.TradePair(ethUSD); err != nil || !tp.PriceImpactEnabled() {
		t.Fatalf("loaded pair: %v %v", tp, err)
	}

	updated := make(chan model.TradePairID, 1)
	p.OnUpdate(func(id model.TradePairID) { updated <- id })
	if err := p.Watch(context.Background()); err != nil {
		t.Fatal(err)
	}
	subID := venue.SubscriptionIDs(protocol.TopicLiquidityPool)[0]
	prices.mu.Lock()
	watched := append([]model.Pair(nil), prices.watched...)
	prices.mu.Unlock()
	if len(watched) != 1 || watched[0] != ethUSD {
		t.Errorf("expected the pool to stream ETH/USD prices, got %v", watched)
	}

	next := pairConfig(ethUSD, 700, 100).State
	next.Funding.Timestamp = t0.Add(time.Minute)
	next.Borrow.Timestamp = t0.Add(time.Minute)
	venue.Publish(subID, protocol.TopicLpPairState, protocol.EncodePairState(protocol.PairStateUpdate{ID: p.TradePairID(ethUSD), State: next}))

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("publication not applied")
	}
	st, _ := p.State(ethUSD)
	if !st.OpenInterest().Long.Equal(d(700)) {
		t.Errorf("expected long OI 700, got %s", st.OpenInterest().Long)
	}

	p.Unwatch()
	if tr.CancelSubscription(subID) {
		t.Error("Unwatch left the subscription active")
	}
	prices.mu.Lock()
	defer prices.mu.Unlock()
	if prices.cancelled != 1 {
		t.Errorf("expected 1 price subscription cancelled, got %d", prices.cancelled)
	}
}
