// Package api serves the engine's local HTTP and WebSocket surface: pair
// quotes, account valuation, trade simulation and the signed account
// operations, for a UI or scripts running next to the engine.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/account"
	"github.com/atmx/margin-engine/internal/history"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
)

const defaultFillsLimit = 100

// Service handles requests against one trade account and its pool.
type Service struct {
	account *account.Account
	history history.History
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(acct *account.Account, h history.History, hub *WSHub) *Service {
	return &Service{account: acct, history: h, wsHub: hub}
}

// --- Request/Response types ---

// PairInfo is one listed trade pair with its current quote.
type PairInfo struct {
	ID           model.TradePairID  `json:"id"`
	Active       bool               `json:"active"`
	ReduceOnly   bool               `json:"reduce_only"`
	OpenInterest model.OpenInterest `json:"open_interest"`
	FundingRate  model.SideValues   `json:"funding_rate"`
	BorrowRate   model.SideValues   `json:"borrow_rate"`
	Price        *model.MarketPrice `json:"price,omitempty"`
}

// PriceResponse is the JSON body returned from GET .../price.
type PriceResponse struct {
	ID         model.TradePairID `json:"id"`
	Size       decimal.Decimal   `json:"size"`
	Quote      model.MarketPrice `json:"quote"`
	TradePrice decimal.Decimal   `json:"trade_price"`
}

// AccountResponse is the JSON body returned from GET /account.
type AccountResponse struct {
	ID          uint64             `json:"id"`
	EquityToken string             `json:"equity_token"`
	Positions   []account.Position `json:"positions"`
	Valuation   account.Valuation  `json:"valuation"`
}

// TradeRequest is the JSON body for POST /account/trade and /account/simulate.
type TradeRequest struct {
	Pair       model.Pair       `json:"pair"`
	Size       decimal.Decimal  `json:"size"`                  // positive = buy, negative = sell
	PriceLimit *decimal.Decimal `json:"price_limit,omitempty"` // trade only
}

// AmountRequest is the JSON body for POST /account/deposit and /account/withdraw.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// ListPairs handles GET /api/v1/pairs
func (s *Service) ListPairs(w http.ResponseWriter, r *http.Request) {
	p := s.account.Pool()
	out := make([]PairInfo, 0)
	for _, pair := range p.Pairs() {
		tp, err := p.TradePair(pair)
		if err != nil {
			continue
		}
		st, err := p.State(pair)
		if err != nil {
			continue
		}
		oi := st.OpenInterest()
		info := PairInfo{
			ID:           tp.ID,
			Active:       tp.Active,
			ReduceOnly:   tp.ReduceOnly,
			OpenInterest: oi,
			FundingRate:  tp.FundingRate(oi),
			BorrowRate:   tp.BorrowRate(oi),
		}
		if mp, err := p.MarketPrice(pair); err == nil {
			info.Price = &mp
		}
		out = append(out, info)
	}
	writeJSON(w, out, http.StatusOK)
}

// GetPrice handles GET /api/v1/pairs/{base}/{quote}/price?size=
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	pair := model.Pair{Base: chi.URLParam(r, "base"), Quote: chi.URLParam(r, "quote")}

	size := decimal.Zero
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = parsed
	}

	p := s.account.Pool()
	var quote model.MarketPrice
	var err error
	if size.IsZero() {
		quote, err = p.MarketPrice(pair)
	} else {
		quote, err = p.Quote(pair, size)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, PriceResponse{
		ID:         p.TradePairID(pair),
		Size:       size,
		Quote:      quote,
		TradePrice: quote.ForSize(size),
	}, http.StatusOK)
}

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	resp, err := s.accountResponse()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, resp, http.StatusOK)
}

// ListFills handles GET /api/v1/account/fills?limit=
func (s *Service) ListFills(w http.ResponseWriter, r *http.Request) {
	limit := defaultFillsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	fills, err := s.history.ListFills(r.Context(), s.account.ID(), limit)
	if err != nil {
		slog.Error("list fills failed", "account_id", s.account.ID(), "err", err)
		writeError(w, "failed to list fills", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, fills, http.StatusOK)
}

// Simulate handles POST /api/v1/account/simulate. A rejected trade is still
// a 200 response; the reason is in failure_reason.
func (s *Service) Simulate(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.account.SimulateTrade(req.Pair, req.Size), http.StatusOK)
}

// ExecuteTrade handles POST /api/v1/account/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fill, err := s.account.Trade(r.Context(), req.Pair, req.Size, req.PriceLimit)
	if err != nil {
		if !errors.Is(err, account.ErrValidation) {
			slog.Error("trade failed", "pair", req.Pair.String(), "size", req.Size.String(), "err", err)
		}
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, fill, http.StatusOK)
}

// Deposit handles POST /api/v1/account/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.account.Deposit(r.Context(), req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.GetAccount(w, r)
}

// Withdraw handles POST /api/v1/account/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.account.Withdraw(r.Context(), req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.GetAccount(w, r)
}

func (s *Service) accountResponse() (AccountResponse, error) {
	v, err := s.account.Valuation()
	if err != nil {
		return AccountResponse{}, err
	}
	return AccountResponse{
		ID:          s.account.ID(),
		EquityToken: s.account.EquityToken().Hex(),
		Positions:   s.account.Positions(),
		Valuation:   v,
	}, nil
}

// --- Helpers ---

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, account.ErrValidation),
		errors.Is(err, market.ErrPairInactive),
		errors.Is(err, market.ErrReduceOnly):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pricefeed.ErrNoPrice),
		errors.Is(err, account.ErrNoVenue),
		errors.Is(err, protocol.ErrConnectionLost),
		errors.Is(err, protocol.ErrClosed),
		errors.Is(err, protocol.ErrSendFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case protocol.IsVenueError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
