package account_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/account"
	"github.com/atmx/margin-engine/internal/history"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var (
	ethUSD = model.Pair{Base: "ETH", Quote: "USD"}
	btcUSD = model.Pair{Base: "BTC", Quote: "USD"}
	t0     = time.UnixMilli(1_700_000_000_000).UTC()
	token  = common.HexToAddress("0x00000000000000000000000000000000000000e0")
)

func fixedClock() time.Time { return t0 }

func pairConfig(pair model.Pair) protocol.PairConfig {
	zero := model.SumFractionSnapshot{Value: model.SideValues{Long: decimal.Zero, Short: decimal.Zero}, Timestamp: t0}
	return protocol.PairConfig{
		TradePair: &market.TradePair{
			ID:                        model.TradePairID{Pair: pair, LiquidityPoolID: "lp-1"},
			InitialMarginFraction:     d(0.1),
			MaintenanceMarginFraction: d(0.05),
			MarginFeeFraction:         d(0.001),
			SpreadFraction:            d(0.001),
			FundingFactor:             d(0.001),
			FundingExponent:           d(1),
			MaxOpenInterest:           market.MaxOpenInterest{Long: ptr(d(1000)), Short: ptr(d(1000))},
			Active:                    true,
		},
		State: market.StateUpdate{
			OpenInterest: model.OpenInterest{Long: decimal.Zero, Short: decimal.Zero},
			Funding:      zero,
			Borrow:       zero,
		},
	}
}

// newPool lists ETH/USD (priced at 2000) and BTC/USD (no price).
func newPool(venue pool.Venue) *pool.Pool {
	prices := pricefeed.NewStatic(map[model.Pair]decimal.Decimal{ethUSD: d(2000)})
	return pool.New("lp-1", []protocol.PairConfig{pairConfig(ethUSD), pairConfig(btcUSD)}, prices, venue)
}

// funded returns an offline account holding equity and the given ETH position.
func funded(equity, size, entry float64) *account.Account {
	p := newPool(nil)
	a := account.New(1, token, p, nil, nil, account.WithClock(fixedClock))
	u := protocol.TradeAccountUpdate{AccountID: 1, RealizedEquity: d(equity), Timestamp: t0}
	if size != 0 {
		u.Positions = []protocol.PositionUpdate{{ID: p.TradePairID(ethUSD), Size: d(size), EntryPrice: d(entry)}}
	}
	a.HandlePublication(u, protocol.TopicTradeAccount)
	return a
}

func TestAccount_PositionDefaultsToFlat(t *testing.T) {
	a := funded(1000, 0, 0)
	p := a.Position(ethUSD)
	if !p.IsFlat() || !p.EntryPrice.IsZero() {
		t.Errorf("expected flat position, got %+v", p)
	}
	if p.ID != a.Pool().TradePairID(ethUSD) {
		t.Errorf("unexpected id %v", p.ID)
	}
	if len(a.Positions()) != 0 {
		t.Error("flat position listed as open")
	}
}

func TestAccount_Valuation(t *testing.T) {
	// long 2 @ 1900, index 2000, spread 0.1%: closing sells at the bid 1998.
	a := funded(1000, 2, 1900)

	v, err := a.Valuation()
	if err != nil {
		t.Fatal(err)
	}
	checks := []struct {
		name string
		got  decimal.Decimal
		want float64
	}{
		{"realized", v.RealizedEquity, 1000},
		{"unrealized", v.UnrealizedEquity, 196},
		{"equity", v.Equity, 1196},
		{"initial margin", v.InitialMargin, 400},
		{"maintenance margin", v.MaintenanceMargin, 200},
		{"available", v.AvailableEquity, 796},
		{"notional", v.OpenInterestNotional, 4000},
	}
	for _, c := range checks {
		if !c.got.Equal(d(c.want)) {
			t.Errorf("%s: expected %v, got %s", c.name, c.want, c.got)
		}
	}
	if want := d(4000).Div(d(1196)); !v.Leverage.Equal(want) {
		t.Errorf("leverage: expected %s, got %s", want, v.Leverage)
	}
	if v.Liquidatable {
		t.Error("healthy account reported liquidatable")
	}

	eq, err := a.Equity()
	if err != nil || !eq.Equal(v.Equity) {
		t.Errorf("Equity() = %s, %v", eq, err)
	}

	underwater := funded(-1000, 2, 1900)
	v, err = underwater.Valuation()
	if err != nil {
		t.Fatal(err)
	}
	if !v.Liquidatable {
		t.Error("expected liquidatable when equity < maintenance margin")
	}
	if !v.Leverage.IsZero() {
		t.Errorf("expected zero leverage at negative equity, got %s", v.Leverage)
	}
}

func TestAccount_SimulateMatchesManualApply(t *testing.T) {
	for _, size := range []float64{2, -3, 0.5} {
		a := funded(10000, 1, 1950)

		sim := a.SimulateTrade(ethUSD, d(size))
		if !sim.OK() {
			t.Fatalf("size %v: unexpected failure %s: %v", size, sim.FailureReason, sim.Err())
		}

		clone := a.Clone()
		if _, err := clone.ApplyTradeEffect(ethUSD, d(size), sim.Price); err != nil {
			t.Fatal(err)
		}
		got := clone.Position(ethUSD)
		if !got.Size.Equal(sim.Position.Size) || !got.EntryPrice.Equal(sim.Position.EntryPrice) {
			t.Errorf("size %v: position mismatch: manual %+v, simulated %+v", size, got, sim.Position)
		}
		if !clone.RealizedEquity().Equal(sim.After.RealizedEquity) {
			t.Errorf("size %v: realized mismatch: manual %s, simulated %s", size, clone.RealizedEquity(), sim.After.RealizedEquity)
		}

		// Simulation leaves the account and its pool untouched.
		if !a.Position(ethUSD).Size.Equal(d(1)) || !a.RealizedEquity().Equal(d(10000)) {
			t.Errorf("size %v: simulation mutated the account", size)
		}
		st, _ := a.Pool().State(ethUSD)
		if !st.OpenInterest().Total().IsZero() {
			t.Errorf("size %v: simulation moved pool open interest to %+v", size, st.OpenInterest())
		}
	}
}

func TestAccount_SimulateOpenLong(t *testing.T) {
	a := funded(10000, 0, 0)
	sim := a.SimulateTrade(ethUSD, d(2))
	if !sim.OK() {
		t.Fatalf("unexpected failure %s", sim.FailureReason)
	}
	// ask = 2000 * 1.001; fee = 2 * 2002 * 0.001
	if !sim.Price.Equal(d(2002)) {
		t.Errorf("price: expected 2002, got %s", sim.Price)
	}
	if !sim.Fee.Equal(d(4.004)) {
		t.Errorf("fee: expected 4.004, got %s", sim.Fee)
	}
	if !sim.After.RealizedEquity.Equal(d(9995.996)) {
		t.Errorf("realized: expected 9995.996, got %s", sim.After.RealizedEquity)
	}
	// closing at the bid 1998 loses 2 * 4
	if !sim.After.Equity.Equal(d(9987.996)) {
		t.Errorf("equity: expected 9987.996, got %s", sim.After.Equity)
	}
	if !sim.After.InitialMargin.Equal(d(400)) {
		t.Errorf("initial margin: expected 400, got %s", sim.After.InitialMargin)
	}
	if !sim.Before.Equity.Equal(d(10000)) {
		t.Errorf("before equity: expected 10000, got %s", sim.Before.Equity)
	}
}

func TestAccount_SimulateFailures(t *testing.T) {
	sol := model.Pair{Base: "SOL", Quote: "USD"}

	tests := []struct {
		name    string
		setup   func(*account.Account)
		equity  float64
		pos     float64
		pair    model.Pair
		size    float64
		reason  account.FailureReason
		wantErr error
	}{
		{"zero size", nil, 1000, 0, ethUSD, 0, account.FailureZeroSize, account.ErrZeroSize},
		{"unknown pair", nil, 1000, 0, sol, 1, account.FailureUnknownPair, pool.ErrUnknownPair},
		{"no price", nil, 1000, 0, btcUSD, 1, account.FailureNoPrice, pricefeed.ErrNoPrice},
		{"insufficient margin", nil, 100, 0, ethUSD, 10, account.FailureInsufficientMargin, account.ErrInsufficientMargin},
		{"max open interest", nil, 1e9, 0, ethUSD, 1001, account.FailureMaxOpenInterest, market.ErrMaxLongOpenInterest},
		{
			"inactive pair",
			func(a *account.Account) {
				a.Pool().HandlePublication(protocol.PairTradeabilityUpdate{ID: a.Pool().TradePairID(ethUSD), Active: false}, protocol.TopicLpPairTradeability)
			},
			1000, 0, ethUSD, 0.1, account.FailurePairInactive, market.ErrPairInactive,
		},
		{
			"reduce-only increase",
			func(a *account.Account) {
				a.Pool().HandlePublication(protocol.PairTradeabilityUpdate{ID: a.Pool().TradePairID(ethUSD), Active: true, ReduceOnly: true}, protocol.TopicLpPairTradeability)
			},
			10000, 2, ethUSD, 1, account.FailureReduceOnly, market.ErrReduceOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := funded(tt.equity, tt.pos, 2000)
			if tt.setup != nil {
				tt.setup(a)
			}
			sim := a.SimulateTrade(tt.pair, d(tt.size))
			if sim.FailureReason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, sim.FailureReason)
			}
			if !errors.Is(sim.Err(), tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, sim.Err())
			}
			if !errors.Is(sim.Err(), account.ErrValidation) {
				t.Errorf("expected a validation error, got %v", sim.Err())
			}
		})
	}
}

func TestAccount_ReduceOnlyAllowsReduction(t *testing.T) {
	a := funded(10000, 2, 2000)
	a.Pool().HandlePublication(protocol.PairTradeabilityUpdate{ID: a.Pool().TradePairID(ethUSD), Active: true, ReduceOnly: true}, protocol.TopicLpPairTradeability)

	if sim := a.SimulateTrade(ethUSD, d(-1)); !sim.OK() {
		t.Errorf("expected reduction to pass, got %s", sim.FailureReason)
	}
}

func TestAccount_ApplyTradeEffect(t *testing.T) {
	sink := history.NewMemoryHistory()
	p := newPool(nil)
	a := account.New(1, token, p, nil, nil, account.WithClock(fixedClock), account.WithFillSink(sink))

	var updates int
	a.OnUpdate(func(*account.Account) { updates++ })

	if _, err := a.ApplyTradeEffect(ethUSD, d(2), d(2000)); err != nil {
		t.Fatal(err)
	}
	fill, err := a.ApplyTradeEffect(ethUSD, d(-3), d(2100))
	if err != nil {
		t.Fatal(err)
	}

	// close 2 long at +100 each, flip to 1 short @ 2100
	if !fill.RealizedPnL.Equal(d(200)) {
		t.Errorf("pnl: expected 200, got %s", fill.RealizedPnL)
	}
	if !fill.Fee.Equal(d(6.3)) {
		t.Errorf("fee: expected 6.3, got %s", fill.Fee)
	}
	pos := a.Position(ethUSD)
	if !pos.Size.Equal(d(-1)) || !pos.EntryPrice.Equal(d(2100)) {
		t.Errorf("unexpected position %+v", pos)
	}
	// -4 (open fee) + 200 - 6.3
	if !a.RealizedEquity().Equal(d(189.7)) {
		t.Errorf("realized: expected 189.7, got %s", a.RealizedEquity())
	}

	st, _ := p.State(ethUSD)
	if oi := st.OpenInterest(); !oi.Long.IsZero() || !oi.Short.Equal(d(1)) {
		t.Errorf("open interest: expected 0/1, got %s/%s", oi.Long, oi.Short)
	}

	fills, _ := sink.ListFills(context.Background(), 1, 0)
	if len(fills) != 2 || fills[0].ID != fill.ID {
		t.Errorf("fill sink: %+v", fills)
	}
	if updates != 2 {
		t.Errorf("expected 2 update notifications, got %d", updates)
	}

	if _, err := a.ApplyTradeEffect(ethUSD, d(0), d(2000)); !errors.Is(err, account.ErrZeroSize) {
		t.Errorf("expected ErrZeroSize, got %v", err)
	}
}

func TestAccount_HandlePublication(t *testing.T) {
	a := funded(1000, 2, 1900)
	id := a.Pool().TradePairID(ethUSD)
	btc := a.Pool().TradePairID(btcUSD)

	a.HandlePublication(protocol.TradeAccountUpdate{
		AccountID:      1,
		RealizedEquity: d(1500),
		Positions: []protocol.PositionUpdate{
			{ID: btc, Size: d(-0.1), EntryPrice: d(60000)},
			{ID: id, Size: d(1), EntryPrice: d(1950)},
			{ID: model.TradePairID{Pair: ethUSD, LiquidityPoolID: "lp-2"}, Size: d(5)},
		},
		Timestamp: t0.Add(time.Second),
	}, protocol.TopicTradeAccount)

	ps := a.Positions()
	if len(ps) != 2 || ps[0].ID != btc || ps[1].ID != id {
		t.Fatalf("unexpected positions %+v", ps)
	}
	if !a.RealizedEquity().Equal(d(1500)) {
		t.Errorf("realized: expected 1500, got %s", a.RealizedEquity())
	}

	// stale
	a.HandlePublication(protocol.TradeAccountUpdate{AccountID: 1, RealizedEquity: d(1), Timestamp: t0}, protocol.TopicTradeAccount)
	// other account
	a.HandlePublication(protocol.TradeAccountUpdate{AccountID: 2, RealizedEquity: d(2), Timestamp: t0.Add(time.Hour)}, protocol.TopicTradeAccount)
	// other content
	a.HandlePublication(protocol.PairTradeabilityUpdate{ID: id}, protocol.TopicLpPairTradeability)

	if !a.RealizedEquity().Equal(d(1500)) || len(a.Positions()) != 2 {
		t.Errorf("ignored publications changed state: %s, %d positions", a.RealizedEquity(), len(a.Positions()))
	}
}

func TestAccount_HandlePublicationWithoutTimestamp(t *testing.T) {
	a := funded(1000, 0, 0)

	a.HandlePublication(protocol.TradeAccountUpdate{AccountID: 1, RealizedEquity: d(1200)}, protocol.TopicTradeAccount)
	if !a.RealizedEquity().Equal(d(1200)) {
		t.Fatalf("untimestamped update dropped, realized %s", a.RealizedEquity())
	}

	// The held timestamp still guards against older updates.
	a.HandlePublication(protocol.TradeAccountUpdate{AccountID: 1, RealizedEquity: d(1), Timestamp: t0.Add(-time.Second)}, protocol.TopicTradeAccount)
	if !a.RealizedEquity().Equal(d(1200)) {
		t.Errorf("stale update applied, realized %s", a.RealizedEquity())
	}
}

func TestAccount_FromID(t *testing.T) {
	h := history.NewMemoryHistory()
	p := newPool(nil)
	h.PutAccount(history.AccountRecord{
		ID:             9,
		EquityToken:    token,
		RealizedEquity: d(2500),
		Positions: []history.PositionRecord{
			{ID: p.TradePairID(ethUSD), Size: d(-1), EntryPrice: d(2100)},
		},
		UpdatedAt: t0,
	})

	a, err := account.FromID(context.Background(), 9, nil, p, nil, h, account.WithClock(fixedClock))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() != 9 || a.EquityToken() != token {
		t.Errorf("unexpected identity %d %s", a.ID(), a.EquityToken().Hex())
	}
	if pos := a.Position(ethUSD); !pos.Size.Equal(d(-1)) || !pos.EntryPrice.Equal(d(2100)) {
		t.Errorf("unexpected position %+v", pos)
	}
	if !a.RealizedEquity().Equal(d(2500)) {
		t.Errorf("realized: expected 2500, got %s", a.RealizedEquity())
	}

	if _, err := account.FromID(context.Background(), 10, nil, p, nil, h); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAccount_OfflineOperations(t *testing.T) {
	a := funded(1000, 0, 0)
	ctx := context.Background()

	if err := a.Deposit(ctx, d(0)); !errors.Is(err, account.ErrZeroAmount) {
		t.Errorf("Deposit(0): expected ErrZeroAmount, got %v", err)
	}
	if err := a.Withdraw(ctx, d(-1)); !errors.Is(err, account.ErrZeroAmount) {
		t.Errorf("Withdraw(-1): expected ErrZeroAmount, got %v", err)
	}
	if err := a.Deposit(ctx, d(1)); !errors.Is(err, account.ErrNoVenue) {
		t.Errorf("Deposit: expected ErrNoVenue, got %v", err)
	}
	if _, err := a.Trade(ctx, ethUSD, d(1), nil); !errors.Is(err, account.ErrNoVenue) {
		t.Errorf("Trade: expected ErrNoVenue, got %v", err)
	}
	if err := a.Watch(ctx); !errors.Is(err, account.ErrNoVenue) {
		t.Errorf("Watch: expected ErrNoVenue, got %v", err)
	}
}
