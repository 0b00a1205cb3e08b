package account

import (
	"context"

	"github.com/atmx/margin-engine/internal/protocol"
)

// Watch subscribes the account to the venue's tradeAccount publications.
// Each publication replaces the local realized equity and positions.
func (a *Account) Watch(ctx context.Context) error {
	if a.venue == nil {
		return ErrNoVenue
	}
	id, err := a.venue.SubscribeTradeAccount(ctx, a.id, a)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subID = id
	a.mu.Unlock()
	return nil
}

// Unwatch cancels the subscription made by Watch.
func (a *Account) Unwatch() {
	a.mu.Lock()
	id := a.subID
	a.subID = ""
	a.mu.Unlock()
	if id != "" && a.venue != nil {
		a.venue.CancelSubscription(id)
	}
}

// HandlePublication applies the venue's view of the account. Publications
// for other accounts or older than the held state are ignored.
func (a *Account) HandlePublication(content protocol.Publication, topic string) {
	u, ok := content.(protocol.TradeAccountUpdate)
	if !ok {
		a.logger.Debug("ignoring publication", "topic", topic)
		return
	}
	if u.AccountID != a.id {
		return
	}

	a.mu.Lock()
	if !u.Timestamp.IsZero() && u.Timestamp.Before(a.updatedAt) {
		a.mu.Unlock()
		a.logger.Debug("ignoring stale account update")
		return
	}
	a.realized = u.RealizedEquity
	if !u.Timestamp.IsZero() {
		a.updatedAt = u.Timestamp
	}
	a.order = a.order[:0]
	clear(a.positions)
	poolID := a.pool.ID()
	for _, pu := range u.Positions {
		if pu.ID.LiquidityPoolID != poolID {
			a.logger.Warn("position on foreign pool", "trade_pair", pu.ID.String())
			continue
		}
		a.setPosition(Position{
			ID:                 pu.ID,
			Size:               pu.Size,
			EntryPrice:         pu.EntryPrice,
			FundingSumFraction: pu.FundingSumFraction,
			BorrowSumFraction:  pu.BorrowSumFraction,
		})
	}
	a.mu.Unlock()

	a.notify()
}
