// Package api exposes the settlement engine's operations as JSON HTTP
// endpoints and broadcasts market lifecycle events over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/lmsr"
	"github.com/pmarket/settlement-engine/internal/metrics"
	"github.com/pmarket/settlement-engine/internal/model"
	"github.com/pmarket/settlement-engine/internal/settle"
)

// Service wires the settlement engine to HTTP handlers.
// Pass nil for hub if event broadcasting is not needed.
type Service struct {
	engine *settle.Engine
	hub    *EventHub
}

// NewService creates a new API service.
func NewService(engine *settle.Engine, hub *EventHub) *Service {
	return &Service{engine: engine, hub: hub}
}

// Routes mounts all endpoints on r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/users", s.CreateUser)
		r.Put("/users/{userID}", s.EnsureUser)
		r.Get("/users/{userID}", s.GetUser)
		r.Post("/users/{userID}/balance", s.AdjustBalance)
		r.Get("/users/{userID}/trades", s.UserTrades)

		r.Get("/markets", s.ListMarkets)
		r.Post("/markets", s.CreateMarket)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/quote", s.GetQuote)
		r.Get("/markets/{marketID}/trades", s.MarketTrades)
		r.Get("/markets/{marketID}/positions", s.GetPositions)
		r.Get("/markets/{marketID}/balance-changes", s.GetBalanceChanges)
		r.Post("/markets/{marketID}/resolve", s.ResolveMarket)

		r.Post("/trades/validate", s.ValidateTrade)
		r.Post("/trades", s.ExecuteTrade)
	})
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	ID string `json:"id"`
}

// AdjustBalanceRequest is the JSON body for POST /users/{id}/balance.
type AdjustBalanceRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	OwnerID     string          `json:"owner_id"`
	Liquidity   decimal.Decimal `json:"liquidity"`
}

// TradeRequest is the JSON body for POST /trades and /trades/validate.
type TradeRequest struct {
	MarketID     int64           `json:"market_id"`
	UserID       string          `json:"user_id"`
	SharesAmount decimal.Decimal `json:"shares_amount"` // positive = buy, negative = sell
	ShareIndex   int             `json:"share_index"`
}

// ValidationResponse is the JSON body returned from POST /trades/validate.
type ValidationResponse struct {
	Accepted      bool            `json:"accepted"`
	BalanceChange decimal.Decimal `json:"balance_change"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
// A null resolution cancels the market.
type ResolveRequest struct {
	Resolution *int `json:"resolution"`
}

// --- User handlers ---

// CreateUser handles POST /api/v1/users.
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.CreateUser(r.Context(), req.ID); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.UsersCreated.Inc()

	user, err := s.engine.GetUser(r.Context(), req.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// EnsureUser handles PUT /api/v1/users/{userID}: idempotent creation.
func (s *Service) EnsureUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := s.engine.EnsureUser(r.Context(), userID); err != nil {
		writeEngineError(w, err)
		return
	}

	user, err := s.engine.GetUser(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// AdjustBalance handles POST /api/v1/users/{userID}/balance.
func (s *Service) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.AdjustBalance(r.Context(), userID, req.Delta); err != nil {
		writeEngineError(w, err)
		return
	}

	user, err := s.engine.GetUser(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserTrades handles GET /api/v1/users/{userID}/trades.
func (s *Service) UserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.UserTrades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	id, err := s.engine.CreateMarket(r.Context(), req.Title, req.Description, req.OwnerID, req.Liquidity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.MarketsCreated.Inc()

	market, err := s.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(Event{Type: "market_created", MarketID: id, UserID: req.OwnerID})
	}
	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.ListMarkets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	market, err := s.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	quote, err := s.engine.GetQuote(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// MarketTrades handles GET /api/v1/markets/{marketID}/trades.
func (s *Service) MarketTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	trades, err := s.engine.MarketTrades(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPositions handles GET /api/v1/markets/{marketID}/positions.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	positions, err := s.engine.Positions(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetBalanceChanges handles GET /api/v1/markets/{marketID}/balance-changes.
func (s *Service) GetBalanceChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	changes, err := s.engine.NetBalanceChanges(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.ResolveMarket(r.Context(), id, req.Resolution); err != nil {
		writeEngineError(w, err)
		return
	}

	kind := "cancelled"
	if req.Resolution != nil {
		kind = "outcome"
	}
	metrics.MarketsResolved.WithLabelValues(kind).Inc()

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:       "market_resolved",
			MarketID:   id,
			Resolution: req.Resolution,
			Cancelled:  req.Resolution == nil,
		})
	}

	market, err := s.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// --- Trade handlers ---

// ValidateTrade handles POST /api/v1/trades/validate.
// Read-only price check; execution revalidates under locks.
func (s *Service) ValidateTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	accepted, change, err := s.engine.ValidateTrade(r.Context(), req.MarketID, req.UserID, req.SharesAmount, req.ShareIndex)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidationResponse{Accepted: accepted, BalanceChange: change})
}

// ExecuteTrade handles POST /api/v1/trades.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.SharesAmount.IsZero() {
		writeError(w, "shares_amount must be non-zero", http.StatusBadRequest)
		return
	}

	start := time.Now()
	trade, err := s.engine.ExecuteTrade(r.Context(), req.MarketID, req.UserID, req.SharesAmount, req.ShareIndex)
	if err != nil {
		if errors.Is(err, settle.ErrInvalidTrade) {
			metrics.TradeRejections.Inc()
		}
		writeEngineError(w, err)
		return
	}
	metrics.TradeLatency.Observe(time.Since(start).Seconds())

	direction := "buy"
	if req.SharesAmount.IsNegative() {
		direction = "sell"
	}
	metrics.TradesTotal.WithLabelValues(direction).Inc()

	if s.hub != nil {
		idx := req.ShareIndex
		s.hub.Broadcast(Event{
			Type:          "trade_executed",
			MarketID:      req.MarketID,
			UserID:        req.UserID,
			SharesAmount:  req.SharesAmount.String(),
			ShareIndex:    &idx,
			BalanceChange: trade.BalanceChange.String(),
		})
	}

	writeJSON(w, http.StatusCreated, trade)
}

// --- Helpers ---

func marketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps the engine's error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settle.ErrUnknownUser), errors.Is(err, settle.ErrUnknownMarket):
		status = http.StatusNotFound
	case errors.Is(err, settle.ErrDuplicateUser),
		errors.Is(err, settle.ErrInvalidTrade),
		errors.Is(err, settle.ErrMarketResolved),
		errors.Is(err, settle.ErrInsufficientFunds):
		status = http.StatusConflict
	case errors.Is(err, settle.ErrInvalidShareIndex),
		errors.Is(err, settle.ErrLiquidityTooLow),
		errors.Is(err, lmsr.ErrInvalidLiquidity),
		errors.Is(err, lmsr.ErrShareVectorLength):
		status = http.StatusBadRequest
	}
	writeError(w, err.Error(), status)
}
