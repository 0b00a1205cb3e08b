package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// Adapter exposes the venue's methods as typed calls over a Transport and
// signs user-authorizing requests.
type Adapter struct {
	transport *Transport
	nonces    *NonceTracker
	scope     common.Hash
}

// NewAdapter creates an adapter whose authorizations are bound to scope.
func NewAdapter(t *Transport, scope common.Hash) *Adapter {
	return &Adapter{transport: t, nonces: NewNonceTracker(), scope: scope}
}

// Transport returns the underlying transport.
func (a *Adapter) Transport() *Transport { return a.transport }

// Scope returns the authorization scope.
func (a *Adapter) Scope() common.Hash { return a.scope }

// GetNonce returns the venue's next expected nonce for address.
func (a *Adapter) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	resp, err := a.transport.Request(ctx, MethodGetNonce, map[string]string{"address": address.Hex()})
	if err != nil {
		return 0, err
	}
	var out struct {
		Nonce string `json:"nonce"`
	}
	if err := resp.Decode(&out); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(out.Nonce, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: invalid nonce %q: %w", out.Nonce, err)
	}
	return n, nil
}

// Authorize fetches the venue nonce for signer, reconciles it with the
// locally tracked one and signs the authorization digest.
func (a *Adapter) Authorize(ctx context.Context, signer Signer, subjectID uint64, role UserRole) (Authorization, error) {
	venueNonce, err := a.GetNonce(ctx, signer.Address())
	if err != nil {
		return Authorization{}, fmt.Errorf("fetch nonce: %w", err)
	}
	nonce := a.nonces.Next(signer.Address(), venueNonce)

	sig, err := signer.Sign(AuthorizationDigest(a.scope, nonce, subjectID, role))
	if err != nil {
		return Authorization{}, fmt.Errorf("sign authorization: %w", err)
	}
	return Authorization{
		Signer:    signer.Address(),
		Nonce:     nonce,
		SubjectID: subjectID,
		Role:      role,
		Signature: hexutil.Encode(sig),
	}, nil
}

type openAccountParams struct {
	Owner         common.Address `json:"owner"`
	EquityToken   common.Address `json:"equityToken"`
	Authorization Authorization  `json:"authorization"`
}

// OpenAccount opens a trade account owned by signer and returns the
// venue-issued id.
func (a *Adapter) OpenAccount(ctx context.Context, signer Signer, equityToken common.Address) (uint64, error) {
	auth, err := a.Authorize(ctx, signer, 0, RoleOwner)
	if err != nil {
		return 0, err
	}
	resp, err := a.transport.Request(ctx, MethodOpenAccount, openAccountParams{
		Owner:         signer.Address(),
		EquityToken:   equityToken,
		Authorization: auth,
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		AccountID uint64 `json:"accountId,string"`
	}
	if err := resp.Decode(&out); err != nil {
		return 0, err
	}
	return out.AccountID, nil
}

type transferParams struct {
	AccountID     uint64        `json:"accountId,string"`
	Amount        string        `json:"amount"`
	Authorization Authorization `json:"authorization"`
}

// Deposit credits amount of the equity token to the account.
func (a *Adapter) Deposit(ctx context.Context, signer Signer, accountID uint64, amount decimal.Decimal) error {
	return a.transfer(ctx, MethodDeposit, RoleDepositor, signer, accountID, amount)
}

// Withdraw debits amount of the equity token from the account.
func (a *Adapter) Withdraw(ctx context.Context, signer Signer, accountID uint64, amount decimal.Decimal) error {
	return a.transfer(ctx, MethodWithdraw, RoleWithdrawer, signer, accountID, amount)
}

func (a *Adapter) transfer(ctx context.Context, method string, role UserRole, signer Signer, accountID uint64, amount decimal.Decimal) error {
	auth, err := a.Authorize(ctx, signer, accountID, role)
	if err != nil {
		return err
	}
	_, err = a.transport.Request(ctx, method, transferParams{
		AccountID:     accountID,
		Amount:        model.FormatAmount(amount),
		Authorization: auth,
	})
	return err
}

// TradeRequest is a trade intent for one trade pair.
type TradeRequest struct {
	AccountID   uint64
	TradePairID model.TradePairID
	Size        decimal.Decimal
	// PriceLimit bounds the fill price; nil accepts any price.
	PriceLimit *decimal.Decimal
}

// TradeResult is the venue's fill report.
type TradeResult struct {
	Size      decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

type tradeParams struct {
	AccountID     uint64        `json:"accountId,string"`
	LiquidityPool string        `json:"lpId"`
	Pair          model.Pair    `json:"pair"`
	Size          string        `json:"size"`
	PriceLimit    *string       `json:"priceLimit,omitempty"`
	Authorization Authorization `json:"authorization"`
}

type wireTradeResult struct {
	Size      string `json:"size"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// Trade submits a signed trade and returns the fill.
func (a *Adapter) Trade(ctx context.Context, signer Signer, req TradeRequest) (TradeResult, error) {
	auth, err := a.Authorize(ctx, signer, req.AccountID, RoleTrader)
	if err != nil {
		return TradeResult{}, err
	}
	params := tradeParams{
		AccountID:     req.AccountID,
		LiquidityPool: req.TradePairID.LiquidityPoolID,
		Pair:          req.TradePairID.Pair,
		Size:          model.FormatAmount(req.Size),
		Authorization: auth,
	}
	if req.PriceLimit != nil {
		limit := model.FormatPrice(*req.PriceLimit)
		params.PriceLimit = &limit
	}

	resp, err := a.transport.Request(ctx, MethodTrade, params)
	if err != nil {
		return TradeResult{}, err
	}
	var out wireTradeResult
	if err := resp.Decode(&out); err != nil {
		return TradeResult{}, err
	}
	size, err := model.ParseAmount(out.Size)
	if err != nil {
		return TradeResult{}, fmt.Errorf("protocol: trade result size: %w", err)
	}
	price, err := model.ParsePrice(out.Price)
	if err != nil {
		return TradeResult{}, fmt.Errorf("protocol: trade result price: %w", err)
	}
	ts := time.Now().UTC()
	if out.Timestamp > 0 {
		ts = time.UnixMilli(out.Timestamp).UTC()
	}
	return TradeResult{Size: size, Price: price, Timestamp: ts}, nil
}

type userRoleParams struct {
	AccountID     uint64         `json:"accountId,string"`
	User          common.Address `json:"user"`
	Role          UserRole       `json:"role"`
	Authorization Authorization  `json:"authorization"`
}

// GrantAccountUserRole lets user act on the account with role. Only the
// owner can grant.
func (a *Adapter) GrantAccountUserRole(ctx context.Context, signer Signer, accountID uint64, user common.Address, role UserRole) error {
	return a.userRole(ctx, MethodGrantAccountUserRole, signer, accountID, user, role)
}

// RevokeAccountUserRole removes a role granted with GrantAccountUserRole.
func (a *Adapter) RevokeAccountUserRole(ctx context.Context, signer Signer, accountID uint64, user common.Address, role UserRole) error {
	return a.userRole(ctx, MethodRevokeAccountUserRole, signer, accountID, user, role)
}

func (a *Adapter) userRole(ctx context.Context, method string, signer Signer, accountID uint64, user common.Address, role UserRole) error {
	auth, err := a.Authorize(ctx, signer, accountID, RoleOwner)
	if err != nil {
		return err
	}
	_, err = a.transport.Request(ctx, method, userRoleParams{
		AccountID:     accountID,
		User:          user,
		Role:          role,
		Authorization: auth,
	})
	return err
}

type systemParamParams struct {
	Key           string        `json:"key"`
	Value         string        `json:"value,omitempty"`
	Authorization Authorization `json:"authorization"`
}

// SetSystemParam sets a venue system parameter. Requires an owner key.
func (a *Adapter) SetSystemParam(ctx context.Context, signer Signer, key, value string) error {
	auth, err := a.Authorize(ctx, signer, 0, RoleOwner)
	if err != nil {
		return err
	}
	_, err = a.transport.Request(ctx, MethodSetSystemParam, systemParamParams{Key: key, Value: value, Authorization: auth})
	return err
}

// ClearSystemParam removes a venue system parameter.
func (a *Adapter) ClearSystemParam(ctx context.Context, signer Signer, key string) error {
	auth, err := a.Authorize(ctx, signer, 0, RoleOwner)
	if err != nil {
		return err
	}
	_, err = a.transport.Request(ctx, MethodClearSystemParam, systemParamParams{Key: key, Authorization: auth})
	return err
}

// GetLpConfig fetches a liquidity pool's trade pairs and their current state.
func (a *Adapter) GetLpConfig(ctx context.Context, lpID string) (LpConfig, error) {
	resp, err := a.transport.Request(ctx, MethodGetLpConfig, map[string]string{"lpId": lpID})
	if err != nil {
		return LpConfig{}, err
	}
	var w wireLpConfig
	if err := resp.Decode(&w); err != nil {
		return LpConfig{}, err
	}
	return w.decode()
}

// SubscribeTradeAccount subscribes l to the account's tradeAccount publications.
func (a *Adapter) SubscribeTradeAccount(ctx context.Context, accountID uint64, l Listener) (string, error) {
	return a.transport.Subscribe(ctx, TopicTradeAccount, map[string]string{"accountId": strconv.FormatUint(accountID, 10)}, l)
}

// SubscribeLiquidityPool subscribes l to the pool's lpPairState and
// lpPairTradeability publications.
func (a *Adapter) SubscribeLiquidityPool(ctx context.Context, lpID string, l Listener) (string, error) {
	return a.transport.Subscribe(ctx, TopicLiquidityPool, map[string]string{"lpId": lpID}, l)
}

// CancelSubscription cancels a subscription made through this adapter.
func (a *Adapter) CancelSubscription(id string) bool {
	return a.transport.CancelSubscription(id)
}
