package api

import (
	"encoding/json"
	"log/slog"

	"github.com/atmx/margin-engine/internal/account"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricefeed"
)

// PriceSubscriber streams index price updates per pair.
type PriceSubscriber interface {
	Subscribe(pair model.Pair, fn func(pricefeed.Update)) (cancel func(), err error)
}

// StartBroadcasts pushes account, pair and price changes to the WebSocket
// hub. The returned func cancels the price subscriptions.
func (s *Service) StartBroadcasts(prices PriceSubscriber) (stop func(), err error) {
	if s.wsHub == nil {
		return func() {}, nil
	}

	s.account.OnUpdate(func(a *account.Account) {
		resp, err := s.accountResponse()
		if err != nil {
			slog.Debug("account broadcast skipped", "err", err)
			s.wsHub.Broadcast(WSMessage{Type: MessageAccountUpdated, AccountID: a.ID()})
			return
		}
		data, _ := json.Marshal(resp)
		s.wsHub.Broadcast(WSMessage{Type: MessageAccountUpdated, AccountID: a.ID(), Data: data})
	})

	p := s.account.Pool()
	p.OnUpdate(func(id model.TradePairID) {
		msg := WSMessage{Type: MessagePairUpdated, LpID: id.LiquidityPoolID, Pair: id.Pair.String()}
		if mp, err := p.MarketPrice(id.Pair); err == nil {
			msg.Data, _ = json.Marshal(mp)
		}
		s.wsHub.Broadcast(msg)
	})

	var cancels []func()
	stop = func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
	if prices == nil {
		return stop, nil
	}
	for _, pair := range p.Pairs() {
		cancel, err := prices.Subscribe(pair, func(u pricefeed.Update) {
			s.wsHub.Broadcast(WSMessage{
				Type:  MessagePriceUpdated,
				LpID:  p.ID(),
				Pair:  u.Pair.String(),
				Price: u.Value.String(),
			})
		})
		if err != nil {
			stop()
			return nil, err
		}
		cancels = append(cancels, cancel)
	}
	return stop, nil
}
