package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
)

// LpConfig is a liquidity pool's configuration as returned by getLpConfig.
type LpConfig struct {
	ID    string
	Pairs []PairConfig
}

// PairConfig is one trade pair of a pool with its state at fetch time.
type PairConfig struct {
	TradePair *market.TradePair
	State     market.StateUpdate
}

type wireMaxOpenInterest struct {
	Long  *string `json:"long,omitempty"`
	Short *string `json:"short,omitempty"`
	Diff  *string `json:"diff,omitempty"`
}

type wirePairConfig struct {
	Pair model.Pair `json:"pair"`

	InitialMarginFraction                string `json:"initialMarginFraction"`
	MaintenanceMarginFraction            string `json:"maintenanceMarginFraction"`
	IncrementalInitialMarginFraction     string `json:"incrementalInitialMarginFraction"`
	IncrementalMaintenanceMarginFraction string `json:"incrementalMaintenanceMarginFraction"`
	BaselinePositionSize                 string `json:"baselinePositionSize"`
	IncrementalPositionSize              string `json:"incrementalPositionSize"`
	MarginFeeFraction                    string `json:"marginFeeFraction"`
	SpreadFraction                       string `json:"spreadFraction"`
	FundingFactor                        string `json:"fundingFactor"`
	FundingExponent                      string `json:"fundingExponent"`
	BorrowFactor                         string `json:"borrowFactor"`

	MaxOpenInterest     wireMaxOpenInterest `json:"maxOpenInterest"`
	Active              bool                `json:"active"`
	ReduceOnly          bool                `json:"reduceOnly"`
	PriceImpactFraction *string             `json:"priceImpactFraction,omitempty"`
	SkewScale           *string             `json:"skewScale,omitempty"`

	OpenInterest wireSides    `json:"openInterest"`
	Funding      wireSnapshot `json:"fundingSumFraction"`
	Borrow       wireSnapshot `json:"borrowSumFraction"`
}

type wireLpConfig struct {
	ID    string           `json:"id"`
	Pairs []wirePairConfig `json:"pairs"`
}

// fieldDecoder collects the first error across many amount fields.
type fieldDecoder struct {
	err error
}

func (d *fieldDecoder) amount(field, s string) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	v, err := model.ParseAmount(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
	return v
}

func (d *fieldDecoder) optional(field string, s *string) *decimal.Decimal {
	if d.err != nil {
		return nil
	}
	v, err := model.ParseOptionalAmount(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
	return v
}

func (w wirePairConfig) decode(lpID string) (PairConfig, error) {
	var d fieldDecoder
	tp := &market.TradePair{
		ID: model.TradePairID{Pair: w.Pair, LiquidityPoolID: lpID},

		InitialMarginFraction:                d.amount("initialMarginFraction", w.InitialMarginFraction),
		MaintenanceMarginFraction:            d.amount("maintenanceMarginFraction", w.MaintenanceMarginFraction),
		IncrementalInitialMarginFraction:     d.amount("incrementalInitialMarginFraction", w.IncrementalInitialMarginFraction),
		IncrementalMaintenanceMarginFraction: d.amount("incrementalMaintenanceMarginFraction", w.IncrementalMaintenanceMarginFraction),
		BaselinePositionSize:                 d.amount("baselinePositionSize", w.BaselinePositionSize),
		IncrementalPositionSize:              d.amount("incrementalPositionSize", w.IncrementalPositionSize),
		MarginFeeFraction:                    d.amount("marginFeeFraction", w.MarginFeeFraction),
		SpreadFraction:                       d.amount("spreadFraction", w.SpreadFraction),
		FundingFactor:                        d.amount("fundingFactor", w.FundingFactor),
		FundingExponent:                      d.amount("fundingExponent", w.FundingExponent),
		BorrowFactor:                         d.amount("borrowFactor", w.BorrowFactor),

		MaxOpenInterest: market.MaxOpenInterest{
			Long:  d.optional("maxOpenInterest.long", w.MaxOpenInterest.Long),
			Short: d.optional("maxOpenInterest.short", w.MaxOpenInterest.Short),
			Diff:  d.optional("maxOpenInterest.diff", w.MaxOpenInterest.Diff),
		},
		Active:              w.Active,
		ReduceOnly:          w.ReduceOnly,
		PriceImpactFraction: d.optional("priceImpactFraction", w.PriceImpactFraction),
		SkewScale:           d.optional("skewScale", w.SkewScale),
	}
	if d.err != nil {
		return PairConfig{}, fmt.Errorf("protocol: pair %s: %w", w.Pair, d.err)
	}

	oi, err := w.OpenInterest.decode()
	if err != nil {
		return PairConfig{}, fmt.Errorf("protocol: pair %s open interest: %w", w.Pair, err)
	}
	funding, err := w.Funding.decode()
	if err != nil {
		return PairConfig{}, fmt.Errorf("protocol: pair %s funding: %w", w.Pair, err)
	}
	borrow, err := w.Borrow.decode()
	if err != nil {
		return PairConfig{}, fmt.Errorf("protocol: pair %s borrow: %w", w.Pair, err)
	}
	return PairConfig{
		TradePair: tp,
		State: market.StateUpdate{
			OpenInterest: model.OpenInterest{Long: oi.Long, Short: oi.Short},
			Funding:      funding,
			Borrow:       borrow,
		},
	}, nil
}

func (w wireLpConfig) decode() (LpConfig, error) {
	cfg := LpConfig{ID: w.ID, Pairs: make([]PairConfig, 0, len(w.Pairs))}
	for _, wp := range w.Pairs {
		pc, err := wp.decode(w.ID)
		if err != nil {
			return LpConfig{}, err
		}
		cfg.Pairs = append(cfg.Pairs, pc)
	}
	return cfg, nil
}

// EncodeLpConfig renders cfg in the getLpConfig wire format.
func EncodeLpConfig(cfg LpConfig) json.RawMessage {
	opt := func(v *decimal.Decimal) *string {
		if v == nil {
			return nil
		}
		s := model.FormatAmount(*v)
		return &s
	}
	w := wireLpConfig{ID: cfg.ID, Pairs: make([]wirePairConfig, 0, len(cfg.Pairs))}
	for _, pc := range cfg.Pairs {
		tp := pc.TradePair
		w.Pairs = append(w.Pairs, wirePairConfig{
			Pair:                                 tp.ID.Pair,
			InitialMarginFraction:                model.FormatAmount(tp.InitialMarginFraction),
			MaintenanceMarginFraction:            model.FormatAmount(tp.MaintenanceMarginFraction),
			IncrementalInitialMarginFraction:     model.FormatAmount(tp.IncrementalInitialMarginFraction),
			IncrementalMaintenanceMarginFraction: model.FormatAmount(tp.IncrementalMaintenanceMarginFraction),
			BaselinePositionSize:                 model.FormatAmount(tp.BaselinePositionSize),
			IncrementalPositionSize:              model.FormatAmount(tp.IncrementalPositionSize),
			MarginFeeFraction:                    model.FormatAmount(tp.MarginFeeFraction),
			SpreadFraction:                       model.FormatAmount(tp.SpreadFraction),
			FundingFactor:                        model.FormatAmount(tp.FundingFactor),
			FundingExponent:                      model.FormatAmount(tp.FundingExponent),
			BorrowFactor:                         model.FormatAmount(tp.BorrowFactor),
			MaxOpenInterest: wireMaxOpenInterest{
				Long:  opt(tp.MaxOpenInterest.Long),
				Short: opt(tp.MaxOpenInterest.Short),
				Diff:  opt(tp.MaxOpenInterest.Diff),
			},
			Active:              tp.Active,
			ReduceOnly:          tp.ReduceOnly,
			PriceImpactFraction: opt(tp.PriceImpactFraction),
			SkewScale:           opt(tp.SkewScale),
			OpenInterest:        encodeSides(model.SideValues{Long: pc.State.OpenInterest.Long, Short: pc.State.OpenInterest.Short}),
			Funding:             encodeSnapshot(pc.State.Funding),
			Borrow:              encodeSnapshot(pc.State.Borrow),
		})
	}
	data, _ := json.Marshal(w)
	return data
}
