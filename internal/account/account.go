// Package account mirrors a venue trade account: its positions, realized
// equity and the margin, leverage and P&L derived from them. Deposits,
// withdrawals and trades are validated locally, signed and submitted to the
// venue; the local state moves only once the venue accepted them.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/history"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/protocol"
)

var (
	// ErrValidation is wrapped by every error detected locally, before the
	// venue is contacted.
	ErrValidation = errors.New("account: validation failed")

	ErrZeroAmount         = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrZeroSize           = fmt.Errorf("%w: trade size must be non-zero", ErrValidation)
	ErrInsufficientEquity = fmt.Errorf("%w: insufficient available equity", ErrValidation)
	ErrInsufficientMargin = fmt.Errorf("%w: equity below initial margin", ErrValidation)

	// ErrNoVenue is returned by operations on an offline account, such as
	// a simulation clone.
	ErrNoVenue = errors.New("account: no venue connection")
)

// Venue is the subset of the protocol adapter an account uses. Trades go
// through the pool.
type Venue interface {
	OpenAccount(ctx context.Context, signer protocol.Signer, equityToken common.Address) (uint64, error)
	Deposit(ctx context.Context, signer protocol.Signer, accountID uint64, amount decimal.Decimal) error
	Withdraw(ctx context.Context, signer protocol.Signer, accountID uint64, amount decimal.Decimal) error
	GrantAccountUserRole(ctx context.Context, signer protocol.Signer, accountID uint64, user common.Address, role protocol.UserRole) error
	RevokeAccountUserRole(ctx context.Context, signer protocol.Signer, accountID uint64, user common.Address, role protocol.UserRole) error
	SubscribeTradeAccount(ctx context.Context, accountID uint64, l protocol.Listener) (string, error)
	CancelSubscription(id string) bool
}

// FillSink receives every fill applied to an account.
type FillSink interface {
	AddFill(f model.Fill)
}

// Option configures an Account.
type Option func(*Account)

// WithClock sets the time source used for fee accrual.
func WithClock(now func() time.Time) Option {
	return func(a *Account) { a.now = now }
}

// WithLogger sets the account's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Account) { a.logger = l }
}

// WithFillSink records applied fills in sink.
func WithFillSink(sink FillSink) Option {
	return func(a *Account) { a.fills = sink }
}

// Account is a trade account on one liquidity pool.
//
// Safe for concurrent use. Positions are keyed by trade pair and kept in
// the order they were opened.
type Account struct {
	id          uint64
	equityToken common.Address
	pool        *pool.Pool
	venue       Venue
	signer      protocol.Signer
	now         func() time.Time
	logger      *slog.Logger
	fills       FillSink

	mu        sync.RWMutex
	realized  decimal.Decimal
	order     []model.TradePairID
	positions map[model.TradePairID]*Position
	updatedAt time.Time
	subID     string

	hooksMu sync.RWMutex
	hooks   []func(*Account)
}

// New creates an account with no positions and zero equity. venue and
// signer may be nil for an offline account.
func New(id uint64, equityToken common.Address, p *pool.Pool, venue Venue, signer protocol.Signer, opts ...Option) *Account {
	a := &Account{
		id:          id,
		equityToken: equityToken,
		pool:        p,
		venue:       venue,
		signer:      signer,
		now:         time.Now,
		realized:    decimal.Zero,
		positions:   make(map[model.TradePairID]*Position),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "account", "account_id", id)
	}
	return a
}

// Open opens a new account on the venue owned by signer.
func Open(ctx context.Context, venue Venue, p *pool.Pool, signer protocol.Signer, equityToken common.Address, opts ...Option) (*Account, error) {
	id, err := venue.OpenAccount(ctx, signer, equityToken)
	if err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	a := New(id, equityToken, p, venue, signer, opts...)
	a.logger.Info("account opened", "owner", signer.Address().Hex())
	return a, nil
}

// FromID rehydrates an existing account from the venue's historical record.
func FromID(ctx context.Context, id uint64, venue Venue, p *pool.Pool, signer protocol.Signer, h history.History, opts ...Option) (*Account, error) {
	rec, err := h.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", id, err)
	}
	a := New(id, rec.EquityToken, p, venue, signer, opts...)
	a.realized = rec.RealizedEquity
	a.updatedAt = rec.UpdatedAt
	for _, r := range rec.Positions {
		a.setPosition(Position{
			ID:                 r.ID,
			Size:               r.Size,
			EntryPrice:         r.EntryPrice,
			FundingSumFraction: r.FundingSumFraction,
			BorrowSumFraction:  r.BorrowSumFraction,
		})
	}
	a.logger.Info("account loaded", "positions", len(a.order), "realized_equity", a.realized.String())
	return a, nil
}

// ID returns the venue-issued account id.
func (a *Account) ID() uint64 { return a.id }

// EquityToken returns the token the account's equity is denominated in.
func (a *Account) EquityToken() common.Address { return a.equityToken }

// Pool returns the liquidity pool the account trades on.
func (a *Account) Pool() *pool.Pool { return a.pool }

// Position returns the position on pair, or a flat position if none is open.
func (a *Account) Position(pair model.Pair) Position {
	id := a.pool.TradePairID(pair)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.positions[id]; ok {
		return *p
	}
	return Position{ID: id, Size: decimal.Zero, EntryPrice: decimal.Zero,
		FundingSumFraction: decimal.Zero, BorrowSumFraction: decimal.Zero}
}

// Positions returns the open positions in the order they were opened.
func (a *Account) Positions() []Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Position, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.positions[id])
	}
	return out
}

// RealizedEquity returns deposits minus withdrawals plus realized P&L,
// net of settled fees. May be negative.
func (a *Account) RealizedEquity() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.realized
}

// Deposit credits amount to the account.
func (a *Account) Deposit(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if a.venue == nil {
		return ErrNoVenue
	}
	if err := a.venue.Deposit(ctx, a.signer, a.id, amount); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	a.mu.Lock()
	a.realized = a.realized.Add(amount)
	a.mu.Unlock()

	a.logger.Info("deposit", "amount", amount.String())
	a.notify()
	return nil
}

// Withdraw debits amount from the account. The amount may not exceed the
// available equity.
func (a *Account) Withdraw(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if a.venue == nil {
		return ErrNoVenue
	}
	v, err := a.Valuation()
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if amount.GreaterThan(v.AvailableEquity) {
		return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientEquity, amount, v.AvailableEquity)
	}
	if err := a.venue.Withdraw(ctx, a.signer, a.id, amount); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}

	a.mu.Lock()
	a.realized = a.realized.Sub(amount)
	a.mu.Unlock()

	a.logger.Info("withdraw", "amount", amount.String())
	a.notify()
	return nil
}

// Trade simulates a trade of signed size on pair, submits it to the venue
// when the simulation passes and applies the venue's fill. priceLimit may
// be nil.
func (a *Account) Trade(ctx context.Context, pair model.Pair, size decimal.Decimal, priceLimit *decimal.Decimal) (model.Fill, error) {
	if a.venue == nil || a.signer == nil {
		return model.Fill{}, ErrNoVenue
	}
	sim := a.SimulateTrade(pair, size)
	if err := sim.Err(); err != nil {
		return model.Fill{}, err
	}

	res, err := a.pool.SubmitTrade(ctx, a.signer, protocol.TradeRequest{
		AccountID:   a.id,
		TradePairID: a.pool.TradePairID(pair),
		Size:        size,
		PriceLimit:  priceLimit,
	})
	if err != nil {
		return model.Fill{}, fmt.Errorf("trade %s: %w", pair, err)
	}

	fill, err := a.applyTradeEffect(pair, res.Size, res.Price, res.Timestamp)
	if err != nil {
		return model.Fill{}, err
	}
	a.logger.Info("trade filled",
		"pair", pair.String(),
		"size", fill.Size.String(),
		"price", fill.Price.String(),
		"realized_pnl", fill.RealizedPnL.String(),
		"fee", fill.Fee.String(),
	)
	return fill, nil
}

// ApplyTradeEffect applies a fill of signed size at price to the account:
// the position moves, realized equity changes by the realized P&L minus
// settled fees and the trade fee, and the pair's open interest is adjusted.
func (a *Account) ApplyTradeEffect(pair model.Pair, size, price decimal.Decimal) (model.Fill, error) {
	return a.applyTradeEffect(pair, size, price, a.now())
}

func (a *Account) applyTradeEffect(pair model.Pair, size, price decimal.Decimal, at time.Time) (model.Fill, error) {
	if size.IsZero() {
		return model.Fill{}, ErrZeroSize
	}
	tp, err := a.pool.TradePair(pair)
	if err != nil {
		return model.Fill{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	st, err := a.pool.State(pair)
	if err != nil {
		return model.Fill{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	id := a.pool.TradePairID(pair)

	a.mu.Lock()
	pos := Position{ID: id, Size: decimal.Zero, EntryPrice: decimal.Zero}
	if p, ok := a.positions[id]; ok {
		pos = *p
	}
	old := pos.Size
	effect := pos.ApplyTrade(size, price, tp, st, at)
	fee := tp.TradeFee(size, price)
	a.realized = a.realized.Add(effect.RealizedPnL).Sub(effect.SettledFees).Sub(fee)
	a.setPosition(pos)
	a.mu.Unlock()

	if err := a.pool.AdjustOpenInterestForTrade(pair, old, pos.Size); err != nil {
		return model.Fill{}, err
	}

	fill := model.Fill{
		ID:          uuid.New().String(),
		AccountID:   a.id,
		TradePairID: id,
		Size:        size,
		Price:       price,
		RealizedPnL: effect.RealizedPnL,
		Fee:         fee,
		Timestamp:   at,
	}
	if a.fills != nil {
		a.fills.AddFill(fill)
	}
	a.notify()
	return fill, nil
}

// setPosition stores p, or drops it when flat. Callers hold a.mu.
func (a *Account) setPosition(p Position) {
	if p.IsFlat() {
		if _, ok := a.positions[p.ID]; ok {
			delete(a.positions, p.ID)
			for i, id := range a.order {
				if id == p.ID {
					a.order = append(a.order[:i], a.order[i+1:]...)
					break
				}
			}
		}
		return
	}
	if _, ok := a.positions[p.ID]; !ok {
		a.order = append(a.order, p.ID)
	}
	cp := p
	a.positions[p.ID] = &cp
}

// Clone returns an offline copy of the account on a forked pool. Changes
// to the clone, including the open interest its trades move, never reach
// the original.
func (a *Account) Clone() *Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c := &Account{
		id:          a.id,
		equityToken: a.equityToken,
		pool:        a.pool.Fork(),
		now:         a.now,
		logger:      a.logger,
		realized:    a.realized,
		order:       append([]model.TradePairID(nil), a.order...),
		positions:   make(map[model.TradePairID]*Position, len(a.positions)),
		updatedAt:   a.updatedAt,
	}
	for id, p := range a.positions {
		cp := *p
		c.positions[id] = &cp
	}
	return c
}

// GrantUserRole lets user act on the account with role.
func (a *Account) GrantUserRole(ctx context.Context, user common.Address, role protocol.UserRole) error {
	if a.venue == nil {
		return ErrNoVenue
	}
	if err := a.venue.GrantAccountUserRole(ctx, a.signer, a.id, user, role); err != nil {
		return fmt.Errorf("grant %s to %s: %w", role, user.Hex(), err)
	}
	a.logger.Info("user role granted", "user", user.Hex(), "role", role.String())
	return nil
}

// RevokeUserRole removes a role granted with GrantUserRole.
func (a *Account) RevokeUserRole(ctx context.Context, user common.Address, role protocol.UserRole) error {
	if a.venue == nil {
		return ErrNoVenue
	}
	if err := a.venue.RevokeAccountUserRole(ctx, a.signer, a.id, user, role); err != nil {
		return fmt.Errorf("revoke %s from %s: %w", role, user.Hex(), err)
	}
	a.logger.Info("user role revoked", "user", user.Hex(), "role", role.String())
	return nil
}

// OnUpdate registers fn to run after the account's state changed.
func (a *Account) OnUpdate(fn func(*Account)) {
	a.hooksMu.Lock()
	a.hooks = append(a.hooks, fn)
	a.hooksMu.Unlock()
}

func (a *Account) notify() {
	a.hooksMu.RLock()
	hooks := make([]func(*Account), len(a.hooks))
	copy(hooks, a.hooks)
	a.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(a)
	}
}
