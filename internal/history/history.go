// Package history reads the venue's historical record of trade accounts:
// the indexer database (source of truth), an optional Redis read-through
// cache, and an in-memory implementation for tests and development.
//
// Nothing in this package writes client state back to the venue's record.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// ErrNotFound is returned when the record holds no such account.
var ErrNotFound = errors.New("history: not found")

// AccountRecord is an account as last indexed from the venue.
type AccountRecord struct {
	ID             uint64           `json:"id"`
	Owner          common.Address   `json:"owner"`
	EquityToken    common.Address   `json:"equity_token"`
	RealizedEquity decimal.Decimal  `json:"realized_equity"`
	Positions      []PositionRecord `json:"positions"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// PositionRecord is one open position of an indexed account.
type PositionRecord struct {
	ID                 model.TradePairID `json:"id"`
	Size               decimal.Decimal   `json:"size"`
	EntryPrice         decimal.Decimal   `json:"entry_price"`
	FundingSumFraction decimal.Decimal   `json:"funding_sum_fraction"`
	BorrowSumFraction  decimal.Decimal   `json:"borrow_sum_fraction"`
}

// History is read access to the venue's historical record.
type History interface {
	// GetAccount returns the indexed state of an account.
	GetAccount(ctx context.Context, id uint64) (*AccountRecord, error)

	// ListAccountsByOwner returns the ids of accounts owned by owner.
	ListAccountsByOwner(ctx context.Context, owner common.Address) ([]uint64, error)

	// ListFills returns the most recent fills of an account, newest first.
	// limit <= 0 means no limit.
	ListFills(ctx context.Context, accountID uint64, limit int) ([]model.Fill, error)
}
