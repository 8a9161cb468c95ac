package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/api"
	"github.com/pmarket/settlement-engine/internal/model"
	"github.com/pmarket/settlement-engine/internal/settle"
	"github.com/pmarket/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*settle.Engine, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := settle.NewEngine(ms, settle.DefaultConfig())
	svc := api.NewService(engine, nil)

	r := chi.NewRouter()
	svc.Routes(r)
	return engine, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// seedUser creates a user through the engine with the default seed balance.
func seedUser(t *testing.T, engine *settle.Engine, id string) {
	t.Helper()
	if err := engine.CreateUser(context.Background(), id); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

// seedMarket funds an owner and creates a market, returning its id.
func seedMarket(t *testing.T, engine *settle.Engine, owner string, liquidity float64) int64 {
	t.Helper()
	seedUser(t, engine, owner)
	id, err := engine.CreateMarket(context.Background(), "Will it rain?", "", owner, d(liquidity))
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return id
}

// --- User endpoint tests ---

func TestCreateUser(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users", api.CreateUserRequest{ID: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var user model.User
	json.Unmarshal(w.Body.Bytes(), &user)
	if user.ID != "alice" {
		t.Errorf("expected id alice, got %q", user.ID)
	}
	if !user.Balance.Equal(d(1000)) {
		t.Errorf("expected seed balance 1000, got %s", user.Balance)
	}
}

func TestCreateUser_Duplicate(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/users", api.CreateUserRequest{ID: "alice"})
	w := doJSON(t, router, "POST", "/api/v1/users", api.CreateUserRequest{ID: "alice"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateUser_MissingID(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users", api.CreateUserRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnsureUser_Idempotent(t *testing.T) {
	_, router := newTestEnv(t)

	for i := 0; i < 2; i++ {
		w := doJSON(t, router, "PUT", "/api/v1/users/alice", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, router, "GET", "/api/v1/users/alice", nil)
	var user model.User
	json.Unmarshal(w.Body.Bytes(), &user)
	if !user.Balance.Equal(d(1000)) {
		t.Errorf("second PUT must not re-seed, got balance %s", user.Balance)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/users/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAdjustBalance(t *testing.T) {
	engine, router := newTestEnv(t)
	seedUser(t, engine, "alice")

	w := doJSON(t, router, "POST", "/api/v1/users/alice/balance", api.AdjustBalanceRequest{Delta: d(-250)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var user model.User
	json.Unmarshal(w.Body.Bytes(), &user)
	if !user.Balance.Equal(d(750)) {
		t.Errorf("expected balance 750, got %s", user.Balance)
	}
}

// --- Market endpoint tests ---

func TestCreateMarket(t *testing.T) {
	engine, router := newTestEnv(t)
	seedUser(t, engine, "owner")

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Title:     "Will it rain?",
		OwnerID:   "owner",
		Liquidity: d(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var market model.Market
	json.Unmarshal(w.Body.Bytes(), &market)
	if market.ID == 0 {
		t.Error("expected a non-zero market id")
	}
	if market.IsResolved {
		t.Error("new market must not be resolved")
	}

	// Liquidity escrowed from the owner balance.
	owner, _ := engine.GetUser(context.Background(), "owner")
	if !owner.Balance.Equal(d(900)) {
		t.Errorf("expected owner balance 900, got %s", owner.Balance)
	}
}

func TestCreateMarket_InsufficientFunds(t *testing.T) {
	engine, router := newTestEnv(t)
	seedUser(t, engine, "owner")

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Title:     "Too big",
		OwnerID:   "owner",
		Liquidity: d(5000),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateMarket_LiquidityTooLow(t *testing.T) {
	engine, router := newTestEnv(t)
	seedUser(t, engine, "owner")

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Title:     "Tiny",
		OwnerID:   "owner",
		Liquidity: d(5),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListMarkets_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var markets []model.Market
	if err := json.Unmarshal(w.Body.Bytes(), &markets); err != nil {
		t.Fatalf("expected a JSON array, got %s", w.Body.String())
	}
	if len(markets) != 0 {
		t.Errorf("expected no markets, got %d", len(markets))
	}
}

func TestGetMarket_BadID(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/markets/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetQuote(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)

	w := doJSON(t, router, "GET", fmt.Sprintf("/api/v1/markets/%d/quote", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var quote settle.Quote
	json.Unmarshal(w.Body.Bytes(), &quote)
	if len(quote.Probabilities) != model.OutcomeCount {
		t.Fatalf("expected %d probabilities, got %d", model.OutcomeCount, len(quote.Probabilities))
	}
	// Fresh market quotes 50/50.
	for i, p := range quote.Probabilities {
		if p.Sub(d(0.5)).Abs().GreaterThan(d(0.0000001)) {
			t.Errorf("probability[%d] should be 0.5, got %s", i, p)
		}
	}
}

// --- Trade endpoint tests ---

func TestExecuteTrade(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")

	w := doJSON(t, router, "POST", "/api/v1/trades", api.TradeRequest{
		MarketID:     id,
		UserID:       "alice",
		SharesAmount: d(10),
		ShareIndex:   0,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var trade model.Trade
	json.Unmarshal(w.Body.Bytes(), &trade)
	if trade.ID == 0 {
		t.Error("expected a non-zero trade id")
	}
	if !trade.BalanceChange.IsNegative() {
		t.Errorf("buy should debit the trader, got %s", trade.BalanceChange)
	}

	alice, _ := engine.GetUser(context.Background(), "alice")
	if !alice.Balance.Equal(d(1000).Add(trade.BalanceChange)) {
		t.Errorf("balance not debited by trade amount: %s", alice.Balance)
	}
}

func TestExecuteTrade_Overdraw(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 500)
	seedUser(t, engine, "alice")

	w := doJSON(t, router, "POST", "/api/v1/trades", api.TradeRequest{
		MarketID:     id,
		UserID:       "alice",
		SharesAmount: d(100000),
		ShareIndex:   0,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Rejected trade must leave the balance untouched.
	alice, _ := engine.GetUser(context.Background(), "alice")
	if !alice.Balance.Equal(d(1000)) {
		t.Errorf("balance changed by rejected trade: %s", alice.Balance)
	}
}

func TestExecuteTrade_ZeroShares(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")

	w := doJSON(t, router, "POST", "/api/v1/trades", api.TradeRequest{
		MarketID: id,
		UserID:   "alice",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestValidateTrade(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")

	w := doJSON(t, router, "POST", "/api/v1/trades/validate", api.TradeRequest{
		MarketID:     id,
		UserID:       "alice",
		SharesAmount: d(10),
		ShareIndex:   1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.ValidationResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Accepted {
		t.Error("small trade on a fresh market should be accepted")
	}
	if !resp.BalanceChange.IsNegative() {
		t.Errorf("buy quote should be negative, got %s", resp.BalanceChange)
	}

	// Validation does not mutate anything.
	alice, _ := engine.GetUser(context.Background(), "alice")
	if !alice.Balance.Equal(d(1000)) {
		t.Errorf("validation changed balance: %s", alice.Balance)
	}
}

// --- Resolution endpoint tests ---

func TestResolveMarket_Outcome(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")
	if _, err := engine.ExecuteTrade(context.Background(), id, "alice", d(10), 0); err != nil {
		t.Fatalf("trade: %v", err)
	}

	win := 0
	w := doJSON(t, router, "POST", fmt.Sprintf("/api/v1/markets/%d/resolve", id), api.ResolveRequest{Resolution: &win})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var market model.Market
	json.Unmarshal(w.Body.Bytes(), &market)
	if !market.IsResolved {
		t.Error("market should be resolved")
	}
	if market.Resolution == nil || *market.Resolution != 0 {
		t.Errorf("expected resolution 0, got %v", market.Resolution)
	}

	// Winner holds 10 shares paying 1 each.
	alice, _ := engine.GetUser(context.Background(), "alice")
	if alice.Balance.LessThanOrEqual(d(1000)) {
		t.Errorf("winner should profit, got %s", alice.Balance)
	}
}

func TestResolveMarket_Cancel(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")
	if _, err := engine.ExecuteTrade(context.Background(), id, "alice", d(10), 0); err != nil {
		t.Fatalf("trade: %v", err)
	}

	w := doJSON(t, router, "POST", fmt.Sprintf("/api/v1/markets/%d/resolve", id), api.ResolveRequest{Resolution: nil})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Everyone back to their seed balance.
	for _, u := range []string{"owner", "alice"} {
		user, _ := engine.GetUser(context.Background(), u)
		if !user.Balance.Equal(d(1000)) {
			t.Errorf("%s: expected 1000 after cancel, got %s", u, user.Balance)
		}
	}
}

func TestResolveMarket_AlreadyResolved(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)

	doJSON(t, router, "POST", fmt.Sprintf("/api/v1/markets/%d/resolve", id), api.ResolveRequest{})
	w := doJSON(t, router, "POST", fmt.Sprintf("/api/v1/markets/%d/resolve", id), api.ResolveRequest{})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetPositions(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")
	if _, err := engine.ExecuteTrade(context.Background(), id, "alice", d(10), 1); err != nil {
		t.Fatalf("trade: %v", err)
	}

	w := doJSON(t, router, "GET", fmt.Sprintf("/api/v1/markets/%d/positions", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var positions map[string][]decimal.Decimal
	json.Unmarshal(w.Body.Bytes(), &positions)
	pos, ok := positions["alice"]
	if !ok {
		t.Fatal("expected a position for alice")
	}
	if !pos[1].Equal(d(10)) {
		t.Errorf("expected 10 shares of outcome 1, got %s", pos[1])
	}
}

func TestTradeHistory(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")
	if _, err := engine.ExecuteTrade(context.Background(), id, "alice", d(10), 0); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if _, err := engine.ExecuteTrade(context.Background(), id, "alice", d(-4), 0); err != nil {
		t.Fatalf("trade: %v", err)
	}

	w := doJSON(t, router, "GET", fmt.Sprintf("/api/v1/markets/%d/trades", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var byMarket []model.Trade
	json.Unmarshal(w.Body.Bytes(), &byMarket)
	if len(byMarket) != 2 {
		t.Fatalf("expected 2 trades for market, got %d", len(byMarket))
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/trades", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var byUser []model.Trade
	json.Unmarshal(w.Body.Bytes(), &byUser)
	if len(byUser) != 2 {
		t.Fatalf("expected 2 trades for alice, got %d", len(byUser))
	}
	if !byUser[0].SharesAmount.Equal(d(10)) || !byUser[1].SharesAmount.Equal(d(-4)) {
		t.Errorf("trades out of execution order: %v then %v", byUser[0].SharesAmount, byUser[1].SharesAmount)
	}

	w = doJSON(t, router, "GET", "/api/v1/users/ghost/trades", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", w.Code)
	}
}

func TestGetBalanceChanges(t *testing.T) {
	engine, router := newTestEnv(t)
	id := seedMarket(t, engine, "owner", 100)
	seedUser(t, engine, "alice")
	if _, err := engine.ExecuteTrade(context.Background(), id, "alice", d(10), 0); err != nil {
		t.Fatalf("trade: %v", err)
	}

	w := doJSON(t, router, "GET", fmt.Sprintf("/api/v1/markets/%d/balance-changes", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var changes map[string]decimal.Decimal
	json.Unmarshal(w.Body.Bytes(), &changes)
	if change, ok := changes["alice"]; !ok || !change.IsNegative() {
		t.Errorf("expected a negative net change for alice, got %v", changes)
	}
}
