package pricefeed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricefeed"
)

var (
	ethUSD = model.Pair{Base: "ETH", Quote: "USD"}
	btcUSD = model.Pair{Base: "BTC", Quote: "USD"}
)

type feedAction struct {
	Action string   `json:"action"`
	Pairs  []string `json:"pairs"`
}

// fakeFeed records actions and lets tests push prices.
type fakeFeed struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	actions []feedAction
	got     chan feedAction
}

func newFakeFeed(t *testing.T) *fakeFeed {
	f := &fakeFeed{got: make(chan feedAction, 64)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, ws)
		f.mu.Unlock()
		for {
			var a feedAction
			if err := ws.ReadJSON(&a); err != nil {
				return
			}
			f.mu.Lock()
			f.actions = append(f.actions, a)
			f.mu.Unlock()
			f.got <- a
		}
	}))
	t.Cleanup(f.close)
	return f
}

func (f *fakeFeed) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeFeed) push(t *testing.T, pair, value string, ts int64) {
	t.Helper()
	f.mu.Lock()
	ws := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	if err := ws.WriteJSON(map[string]any{"pair": pair, "value": value, "timestamp": ts}); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (f *fakeFeed) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.conns {
		ws.Close()
	}
}

func (f *fakeFeed) close() {
	f.drop()
	f.srv.Close()
}

func (f *fakeFeed) expect(t *testing.T, action string, pairs ...string) {
	t.Helper()
	select {
	case a := <-f.got:
		if a.Action != action || strings.Join(a.Pairs, ",") != strings.Join(pairs, ",") {
			t.Fatalf("expected %s %v, got %s %v", action, pairs, a.Action, a.Pairs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s %v", action, pairs)
	}
}

func dial(t *testing.T, f *fakeFeed) *pricefeed.Client {
	t.Helper()
	c, err := pricefeed.Dial(context.Background(), pricefeed.Config{URL: f.url(), ReconnectDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_LatestBeforeFirstPush(t *testing.T) {
	f := newFakeFeed(t)
	c := dial(t, f)

	if _, err := c.Latest(ethUSD); !errors.Is(err, pricefeed.ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

func TestClient_SubscribeReceivesPrices(t *testing.T) {
	f := newFakeFeed(t)
	c := dial(t, f)

	updates := make(chan pricefeed.Update, 8)
	cancel, err := c.Subscribe(ethUSD, func(u pricefeed.Update) { updates <- u })
	if err != nil {
		t.Fatal(err)
	}
	f.expect(t, "subscribe", "ETH/USD")

	f.push(t, "ETH/USD", "200000000000", 2000)
	u := <-updates
	if !u.Value.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("expected 2000, got %s", u.Value)
	}
	if got, _ := c.Latest(ethUSD); !got.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Latest: got %s", got)
	}

	// An older observation never replaces a newer one.
	f.push(t, "ETH/USD", "100000000000", 1000)
	f.push(t, "ETH/USD", "200100000000", 3000)
	u = <-updates
	if !u.Value.Equal(decimal.NewFromInt(2001)) {
		t.Errorf("expected stale push to be skipped, got %s", u.Value)
	}

	cancel()
	f.expect(t, "unsubscribe", "ETH/USD")
}

func TestClient_SecondWatcherDoesNotResubscribe(t *testing.T) {
	f := newFakeFeed(t)
	c := dial(t, f)

	cancel1, _ := c.Subscribe(ethUSD, nil)
	f.expect(t, "subscribe", "ETH/USD")
	cancel2, _ := c.Subscribe(ethUSD, nil)

	cancel1()
	cancel1() // idempotent
	cancel2()
	f.expect(t, "unsubscribe", "ETH/USD")

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.actions) != 2 {
		t.Errorf("expected exactly one subscribe and one unsubscribe, got %v", f.actions)
	}
}

func TestClient_ResubscribesWatchedPairsAfterReconnect(t *testing.T) {
	f := newFakeFeed(t)
	c := dial(t, f)

	c.Subscribe(ethUSD, nil)
	f.expect(t, "subscribe", "ETH/USD")
	c.Subscribe(btcUSD, nil)
	f.expect(t, "subscribe", "BTC/USD")

	f.drop()
	f.expect(t, "subscribe", "BTC/USD", "ETH/USD")

	f.push(t, "BTC/USD", "6500000000000", 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, err := c.Latest(btcUSD); err == nil && v.Equal(decimal.NewFromInt(65000)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no price received after reconnect")
}

func TestStatic(t *testing.T) {
	s := pricefeed.NewStatic(map[model.Pair]decimal.Decimal{ethUSD: decimal.NewFromInt(2000)})

	if v, err := s.Latest(ethUSD); err != nil || !v.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Latest: %s %v", v, err)
	}
	if _, err := s.Latest(btcUSD); !errors.Is(err, pricefeed.ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
	s.Set(btcUSD, decimal.NewFromInt(65000))
	if v, _ := s.Latest(btcUSD); !v.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("Set not visible: %s", v)
	}
}
