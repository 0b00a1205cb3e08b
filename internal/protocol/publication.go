package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
)

// Publication is the content of a venue publication. The concrete type is
// determined by the topic; see DecodePublication.
type Publication interface {
	Topic() string
}

// TradeAccountUpdate is the venue's authoritative view of one account.
type TradeAccountUpdate struct {
	AccountID      uint64
	RealizedEquity decimal.Decimal
	Positions      []PositionUpdate
	Timestamp      time.Time
}

// PositionUpdate is one open position inside a TradeAccountUpdate.
type PositionUpdate struct {
	ID                 model.TradePairID
	Size               decimal.Decimal
	EntryPrice         decimal.Decimal
	FundingSumFraction decimal.Decimal
	BorrowSumFraction  decimal.Decimal
}

// PairStateUpdate carries the open interest and sum fraction snapshots of
// one trade pair.
type PairStateUpdate struct {
	ID    model.TradePairID
	State market.StateUpdate
}

// PairTradeabilityUpdate toggles a trade pair's active and reduce-only flags.
type PairTradeabilityUpdate struct {
	ID         model.TradePairID
	Active     bool
	ReduceOnly bool
}

func (TradeAccountUpdate) Topic() string     { return TopicTradeAccount }
func (PairStateUpdate) Topic() string        { return TopicLpPairState }
func (PairTradeabilityUpdate) Topic() string { return TopicLpPairTradeability }

// DecodePublication decodes raw publication content by topic.
func DecodePublication(topic string, raw json.RawMessage) (Publication, error) {
	switch topic {
	case TopicTradeAccount:
		var w wireTradeAccount
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", topic, err)
		}
		return w.decode()
	case TopicLpPairState:
		var w wirePairState
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", topic, err)
		}
		return w.decode()
	case TopicLpPairTradeability:
		var w wireTradeability
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", topic, err)
		}
		return w.decode()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}

// Wire shapes. Amounts and fractions are 18-decimal integer strings, prices
// 8-decimal; timestamps are unix milliseconds.

type wireSides struct {
	Long  string `json:"long"`
	Short string `json:"short"`
}

func (w wireSides) decode() (model.SideValues, error) {
	long, err := model.ParseAmount(w.Long)
	if err != nil {
		return model.SideValues{}, fmt.Errorf("long: %w", err)
	}
	short, err := model.ParseAmount(w.Short)
	if err != nil {
		return model.SideValues{}, fmt.Errorf("short: %w", err)
	}
	return model.SideValues{Long: long, Short: short}, nil
}

func encodeSides(v model.SideValues) wireSides {
	return wireSides{Long: model.FormatAmount(v.Long), Short: model.FormatAmount(v.Short)}
}

type wireSnapshot struct {
	wireSides
	Timestamp int64 `json:"timestamp"`
}

func (w wireSnapshot) decode() (model.SumFractionSnapshot, error) {
	v, err := w.wireSides.decode()
	if err != nil {
		return model.SumFractionSnapshot{}, err
	}
	return model.SumFractionSnapshot{Value: v, Timestamp: model.TimeFromMillis(w.Timestamp)}, nil
}

func encodeSnapshot(s model.SumFractionSnapshot) wireSnapshot {
	return wireSnapshot{wireSides: encodeSides(s.Value), Timestamp: model.MillisFromTime(s.Timestamp)}
}

type wireTradePairID struct {
	LiquidityPoolID string     `json:"lpId"`
	Pair            model.Pair `json:"pair"`
}

func (w wireTradePairID) id() model.TradePairID {
	return model.TradePairID{Pair: w.Pair, LiquidityPoolID: w.LiquidityPoolID}
}

func encodeTradePairID(id model.TradePairID) wireTradePairID {
	return wireTradePairID{LiquidityPoolID: id.LiquidityPoolID, Pair: id.Pair}
}

type wirePairState struct {
	wireTradePairID
	OpenInterest wireSides    `json:"openInterest"`
	Funding      wireSnapshot `json:"fundingSumFraction"`
	Borrow       wireSnapshot `json:"borrowSumFraction"`
}

func (w wirePairState) decode() (PairStateUpdate, error) {
	oi, err := w.OpenInterest.decode()
	if err != nil {
		return PairStateUpdate{}, fmt.Errorf("protocol: pair state open interest: %w", err)
	}
	funding, err := w.Funding.decode()
	if err != nil {
		return PairStateUpdate{}, fmt.Errorf("protocol: pair state funding: %w", err)
	}
	borrow, err := w.Borrow.decode()
	if err != nil {
		return PairStateUpdate{}, fmt.Errorf("protocol: pair state borrow: %w", err)
	}
	return PairStateUpdate{
		ID: w.id(),
		State: market.StateUpdate{
			OpenInterest: model.OpenInterest{Long: oi.Long, Short: oi.Short},
			Funding:      funding,
			Borrow:       borrow,
		},
	}, nil
}

// EncodePairState is the inverse of the lpPairState decoder.
func EncodePairState(u PairStateUpdate) json.RawMessage {
	w := wirePairState{
		wireTradePairID: encodeTradePairID(u.ID),
		OpenInterest:    encodeSides(model.SideValues{Long: u.State.OpenInterest.Long, Short: u.State.OpenInterest.Short}),
		Funding:         encodeSnapshot(u.State.Funding),
		Borrow:          encodeSnapshot(u.State.Borrow),
	}
	data, _ := json.Marshal(w)
	return data
}

type wireTradeability struct {
	wireTradePairID
	Active     bool `json:"active"`
	ReduceOnly bool `json:"reduceOnly"`
}

func (w wireTradeability) decode() (PairTradeabilityUpdate, error) {
	return PairTradeabilityUpdate{ID: w.id(), Active: w.Active, ReduceOnly: w.ReduceOnly}, nil
}

type wirePosition struct {
	wireTradePairID
	Size               string `json:"size"`
	EntryPrice         string `json:"entryPrice"`
	FundingSumFraction string `json:"fundingSumFraction"`
	BorrowSumFraction  string `json:"borrowSumFraction"`
}

func (w wirePosition) decode() (PositionUpdate, error) {
	size, err := model.ParseAmount(w.Size)
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("size: %w", err)
	}
	entry, err := model.ParsePrice(w.EntryPrice)
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("entry price: %w", err)
	}
	funding, err := model.ParseAmount(w.FundingSumFraction)
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("funding sum fraction: %w", err)
	}
	borrow, err := model.ParseAmount(w.BorrowSumFraction)
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("borrow sum fraction: %w", err)
	}
	return PositionUpdate{
		ID:                 w.id(),
		Size:               size,
		EntryPrice:         entry,
		FundingSumFraction: funding,
		BorrowSumFraction:  borrow,
	}, nil
}

type wireTradeAccount struct {
	AccountID      uint64         `json:"accountId,string"`
	RealizedEquity string         `json:"realizedEquity"`
	Positions      []wirePosition `json:"positions"`
	Timestamp      int64          `json:"timestamp"`
}

func (w wireTradeAccount) decode() (TradeAccountUpdate, error) {
	equity, err := model.ParseAmount(w.RealizedEquity)
	if err != nil {
		return TradeAccountUpdate{}, fmt.Errorf("protocol: trade account %d realized equity: %w", w.AccountID, err)
	}
	u := TradeAccountUpdate{
		AccountID:      w.AccountID,
		RealizedEquity: equity,
		Positions:      make([]PositionUpdate, 0, len(w.Positions)),
		Timestamp:      model.TimeFromMillis(w.Timestamp),
	}
	for i, wp := range w.Positions {
		p, err := wp.decode()
		if err != nil {
			return TradeAccountUpdate{}, fmt.Errorf("protocol: trade account %d position %d: %w", w.AccountID, i, err)
		}
		u.Positions = append(u.Positions, p)
	}
	return u, nil
}

// EncodeTradeAccount is the inverse of the tradeAccount decoder.
func EncodeTradeAccount(u TradeAccountUpdate) json.RawMessage {
	w := wireTradeAccount{
		AccountID:      u.AccountID,
		RealizedEquity: model.FormatAmount(u.RealizedEquity),
		Positions:      make([]wirePosition, 0, len(u.Positions)),
		Timestamp:      model.MillisFromTime(u.Timestamp),
	}
	for _, p := range u.Positions {
		w.Positions = append(w.Positions, wirePosition{
			wireTradePairID:    encodeTradePairID(p.ID),
			Size:               model.FormatAmount(p.Size),
			EntryPrice:         model.FormatPrice(p.EntryPrice),
			FundingSumFraction: model.FormatAmount(p.FundingSumFraction),
			BorrowSumFraction:  model.FormatAmount(p.BorrowSumFraction),
		})
	}
	data, _ := json.Marshal(w)
	return data
}

// EncodeTradeability is the inverse of the lpPairTradeability decoder.
func EncodeTradeability(u PairTradeabilityUpdate) json.RawMessage {
	data, _ := json.Marshal(wireTradeability{
		wireTradePairID: encodeTradePairID(u.ID),
		Active:          u.Active,
		ReduceOnly:      u.ReduceOnly,
	})
	return data
}

// NewPublication builds the response envelope the venue uses to deliver a
// publication to subscriptionID.
func NewPublication(subscriptionID, topic string, content json.RawMessage) Response {
	body, _ := json.Marshal(publicationContent{Topic: topic, Content: content})
	return Response{ID: subscriptionID, Result: &Result{Type: ResultTypePublication, Content: body}}
}
