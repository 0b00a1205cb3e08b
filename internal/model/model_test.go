package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParsePair_Valid(t *testing.T) {
	p, err := ParsePair("ETH/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != "ETH" || p.Quote != "USD" {
		t.Errorf("got %+v", p)
	}
	if p.String() != "ETH/USD" {
		t.Errorf("round trip: got %s", p.String())
	}
}

func TestParsePair_Invalid(t *testing.T) {
	tests := []string{"", "ETH", "ETH/", "/USD", "ETH-USD", "ETH/USD/BTC"}
	for _, s := range tests {
		if _, err := ParsePair(s); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("ParsePair(%q): expected ErrInvalidPair, got %v", s, err)
		}
	}
}

func TestPair_AsJSONMapKey(t *testing.T) {
	m := map[Pair]int{{Base: "BTC", Quote: "USD"}: 1}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"BTC/USD":1}` {
		t.Errorf("got %s", data)
	}

	var back map[Pair]int
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back[Pair{Base: "BTC", Quote: "USD"}] != 1 {
		t.Errorf("lost key: %v", back)
	}
}

func TestTradePairID_StructuralEquality(t *testing.T) {
	a := TradePairID{Pair: Pair{"ETH", "USD"}, LiquidityPoolID: "lp-1"}
	b := TradePairID{Pair: Pair{"ETH", "USD"}, LiquidityPoolID: "lp-1"}
	c := TradePairID{Pair: Pair{"ETH", "USD"}, LiquidityPoolID: "lp-2"}
	if a != b {
		t.Error("identical ids should be equal")
	}
	if a == c {
		t.Error("ids in different pools should differ")
	}
}

func TestSideOf(t *testing.T) {
	if SideOf(d("1")) != Long {
		t.Error("positive size should be long")
	}
	if SideOf(d("-0.5")) != Short {
		t.Error("negative size should be short")
	}
	if SideOf(decimal.Zero) != Long {
		t.Error("zero should count as long")
	}
	if Long.Opposite() != Short || Short.Opposite() != Long {
		t.Error("Opposite is broken")
	}
}

func TestMarketPrice_ForSizeAndMid(t *testing.T) {
	mkt := d("100.5")
	p := MarketPrice{Index: d("100"), BestBid: d("99"), BestAsk: d("101")}

	if !p.ForSize(d("2")).Equal(d("101")) {
		t.Error("buy should use ask")
	}
	if !p.ForSize(d("-2")).Equal(d("99")) {
		t.Error("sell should use bid")
	}
	if !p.ForSize(decimal.Zero).Equal(d("100")) {
		t.Error("zero size should use index")
	}
	if !p.Mid().Equal(d("100")) {
		t.Error("mid without market price should be index")
	}
	p.Market = &mkt
	if !p.Mid().Equal(mkt) {
		t.Error("mid should prefer market price")
	}
}

func TestWireAmount_Lossless(t *testing.T) {
	tests := []struct {
		wire string
		want string
	}{
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"1", "0.000000000000000001"},
		{"-2500000000000000000", "-2.5"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.wire)
		if err != nil {
			t.Fatalf("ParseAmount(%s): %v", tt.wire, err)
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("ParseAmount(%s) = %s, want %s", tt.wire, got, tt.want)
		}
		if back := FormatAmount(got); back != tt.wire {
			t.Errorf("FormatAmount(%s) = %s, want %s", got, back, tt.wire)
		}
	}
}

func TestWirePrice(t *testing.T) {
	got, err := ParsePrice("200026100603")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("2000.26100603")) {
		t.Errorf("got %s", got)
	}
	if FormatPrice(d("2000.123456789")) != "200012345678" {
		t.Errorf("format should truncate to 8 decimals, got %s", FormatPrice(d("2000.123456789")))
	}
}

func TestWire_Rejects(t *testing.T) {
	for _, s := range []string{"", "abc", "1.5"} {
		if _, err := ParseAmount(s); !errors.Is(err, ErrInvalidWireNumber) {
			t.Errorf("ParseAmount(%q): expected ErrInvalidWireNumber, got %v", s, err)
		}
	}
}

func TestParseOptionalAmount(t *testing.T) {
	v, err := ParseOptionalAmount(nil)
	if err != nil || v != nil {
		t.Errorf("nil should be unset, got %v %v", v, err)
	}
	empty := ""
	v, err = ParseOptionalAmount(&empty)
	if err != nil || v != nil {
		t.Errorf("empty should be unset, got %v %v", v, err)
	}
	s := "3000000000000000000"
	v, err = ParseOptionalAmount(&s)
	if err != nil || v == nil || !v.Equal(d("3")) {
		t.Errorf("got %v %v", v, err)
	}
}

func TestTimeFromMillis(t *testing.T) {
	if !TimeFromMillis(0).IsZero() {
		t.Error("0 should decode to the zero time")
	}
	if MillisFromTime(time.Time{}) != 0 {
		t.Error("zero time should encode to 0")
	}
	ts := TimeFromMillis(1_700_000_000_123)
	if ts.Location() != time.UTC || MillisFromTime(ts) != 1_700_000_000_123 {
		t.Errorf("round trip lost precision: %s", ts)
	}
}
