package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// PostgresHistory reads the venue indexer's tables. NUMERIC columns are
// selected as TEXT and parsed into exact decimals.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

// NewPostgresHistory creates a PostgreSQL-backed history reader.
func NewPostgresHistory(pool *pgxpool.Pool) *PostgresHistory {
	return &PostgresHistory{pool: pool}
}

func (h *PostgresHistory) GetAccount(ctx context.Context, id uint64) (*AccountRecord, error) {
	var a AccountRecord
	var owner, equityToken, realized string

	err := h.pool.QueryRow(ctx,
		`SELECT id, owner, equity_token, realized_equity::TEXT, updated_at
		 FROM trade_accounts WHERE id = $1`, int64(id)).
		Scan(&a.ID, &owner, &equityToken, &realized, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	a.Owner = common.HexToAddress(owner)
	a.EquityToken = common.HexToAddress(equityToken)
	if a.RealizedEquity, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("account %d realized equity: %w", id, err)
	}

	rows, err := h.pool.Query(ctx,
		`SELECT lp_id, base, quote,
		        size::TEXT, entry_price::TEXT,
		        funding_sum_fraction::TEXT, borrow_sum_fraction::TEXT
		 FROM trade_positions
		 WHERE account_id = $1 AND size <> 0
		 ORDER BY opened_at, lp_id, base, quote`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("get positions of account %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p PositionRecord
		var size, entry, funding, borrow string
		if err := rows.Scan(&p.ID.LiquidityPoolID, &p.ID.Pair.Base, &p.ID.Pair.Quote,
			&size, &entry, &funding, &borrow); err != nil {
			return nil, err
		}
		p.Size, _ = decimal.NewFromString(size)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.FundingSumFraction, _ = decimal.NewFromString(funding)
		p.BorrowSumFraction, _ = decimal.NewFromString(borrow)
		a.Positions = append(a.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (h *PostgresHistory) ListAccountsByOwner(ctx context.Context, owner common.Address) ([]uint64, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT id FROM trade_accounts WHERE lower(owner) = lower($1) ORDER BY id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

func (h *PostgresHistory) ListFills(ctx context.Context, accountID uint64, limit int) ([]model.Fill, error) {
	query := `SELECT id, account_id, lp_id, base, quote,
	                 size::TEXT, price::TEXT, realized_pnl::TEXT, fee::TEXT, timestamp
	          FROM trade_fills WHERE account_id = $1 ORDER BY timestamp DESC`
	args := []any{int64(accountID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := h.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

// pgxRows is the subset of pgx.Rows used by scanFills.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanFills(rows pgxRows) ([]model.Fill, error) {
	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var accountID int64
		var sizeS, priceS, pnlS, feeS string

		if err := rows.Scan(&f.ID, &accountID, &f.TradePairID.LiquidityPoolID,
			&f.TradePairID.Pair.Base, &f.TradePairID.Pair.Quote,
			&sizeS, &priceS, &pnlS, &feeS, &f.Timestamp); err != nil {
			return nil, err
		}

		f.AccountID = uint64(accountID)
		f.Size, _ = decimal.NewFromString(sizeS)
		f.Price, _ = decimal.NewFromString(priceS)
		f.RealizedPnL, _ = decimal.NewFromString(pnlS)
		f.Fee, _ = decimal.NewFromString(feeS)

		fills = append(fills, f)
	}
	return fills, rows.Err()
}
