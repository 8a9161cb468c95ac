package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions take a full snapshot and restore it on rollback;
// the store mutex is held for the whole transaction, so transactions are
// serialized and fully isolated.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[string]*model.User
	markets      map[int64]*model.Market
	trades       []model.Trade
	nextMarketID int64
	nextTradeID  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*model.User),
		markets:      make(map[int64]*model.Market),
		nextMarketID: 1,
		nextTradeID:  1,
	}
}

// --- User operations ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUser(u)
}

func (s *MemoryStore) createUser(u *model.User) error {
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("create user %s: %w", u.ID, ErrDuplicate)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUser(id)
}

func (s *MemoryStore) getUser(id string) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	// The store mutex already serializes all access.
	return s.GetUser(ctx, id)
}

func (s *MemoryStore) AddToBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addToBalance(userID, delta)
}

func (s *MemoryStore) addToBalance(userID string, delta decimal.Decimal) error {
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("add to balance %s: %w", userID, ErrNotFound)
	}
	u.Balance = u.Balance.Add(delta)
	return nil
}

// --- Market operations ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMarket(m)
}

func (s *MemoryStore) createMarket(m *model.Market) (int64, error) {
	cp := copyMarket(m)
	cp.ID = s.nextMarketID
	s.nextMarketID++
	s.markets[cp.ID] = cp
	return cp.ID, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMarket(id)
}

func (s *MemoryStore) getMarket(id int64) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("get market %d: %w", id, ErrNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) GetMarketForUpdate(ctx context.Context, id int64) (*model.Market, error) {
	return s.GetMarket(ctx, id)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMarkets()
}

func (s *MemoryStore) listMarkets() ([]model.Market, error) {
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) AddBoughtShares(_ context.Context, marketID int64, shareIndex int, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addBoughtShares(marketID, shareIndex, delta)
}

func (s *MemoryStore) addBoughtShares(marketID int64, shareIndex int, delta decimal.Decimal) error {
	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("add bought shares %d: %w", marketID, ErrNotFound)
	}
	if shareIndex < 0 || shareIndex >= len(m.BoughtShares) {
		return fmt.Errorf("add bought shares %d: index %d out of range", marketID, shareIndex)
	}
	m.BoughtShares[shareIndex] = m.BoughtShares[shareIndex].Add(delta)
	return nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, marketID int64, resolution *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markResolved(marketID, resolution)
}

func (s *MemoryStore) markResolved(marketID int64, resolution *int) error {
	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("mark resolved %d: %w", marketID, ErrNotFound)
	}
	m.IsResolved = true
	if resolution != nil {
		r := *resolution
		m.Resolution = &r
	} else {
		m.Resolution = nil
	}
	return nil
}

// --- Immutable trade ledger ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTrade(t)
}

func (s *MemoryStore) insertTrade(t *model.Trade) (int64, error) {
	cp := *t
	cp.ID = s.nextTradeID
	s.nextTradeID++
	s.trades = append(s.trades, cp)
	return cp.ID, nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID int64) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradesByMarket(marketID)
}

func (s *MemoryStore) tradesByMarket(marketID int64) ([]model.Trade, error) {
	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradesByUser(userID)
}

func (s *MemoryStore) tradesByUser(userID string) ([]model.Trade, error) {
	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Transaction scoping ---

// InTx snapshots the store, runs fn against a transaction view, and restores
// the snapshot if fn fails. The mutex stays held throughout, so no other
// operation observes intermediate state.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	users        map[string]*model.User
	markets      map[int64]*model.Market
	trades       []model.Trade
	nextMarketID int64
	nextTradeID  int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	users := make(map[string]*model.User, len(s.users))
	for id, u := range s.users {
		cp := *u
		users[id] = &cp
	}
	markets := make(map[int64]*model.Market, len(s.markets))
	for id, m := range s.markets {
		markets[id] = copyMarket(m)
	}
	trades := make([]model.Trade, len(s.trades))
	copy(trades, s.trades)

	return memSnapshot{
		users:        users,
		markets:      markets,
		trades:       trades,
		nextMarketID: s.nextMarketID,
		nextTradeID:  s.nextTradeID,
	}
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.users = snap.users
	s.markets = snap.markets
	s.trades = snap.trades
	s.nextMarketID = snap.nextMarketID
	s.nextTradeID = snap.nextTradeID
}

// memTx is the transaction view of a MemoryStore. The parent holds the mutex
// for the transaction's duration, so these calls go straight to the
// unexported implementations without re-locking.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error { return t.s.createUser(u) }
func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	return t.s.getUser(id)
}
func (t *memTx) GetUserForUpdate(_ context.Context, id string) (*model.User, error) {
	return t.s.getUser(id)
}
func (t *memTx) AddToBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	return t.s.addToBalance(userID, delta)
}
func (t *memTx) CreateMarket(_ context.Context, m *model.Market) (int64, error) {
	return t.s.createMarket(m)
}
func (t *memTx) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	return t.s.getMarket(id)
}
func (t *memTx) GetMarketForUpdate(_ context.Context, id int64) (*model.Market, error) {
	return t.s.getMarket(id)
}
func (t *memTx) ListMarkets(_ context.Context) ([]model.Market, error) { return t.s.listMarkets() }
func (t *memTx) AddBoughtShares(_ context.Context, marketID int64, shareIndex int, delta decimal.Decimal) error {
	return t.s.addBoughtShares(marketID, shareIndex, delta)
}
func (t *memTx) MarkResolved(_ context.Context, marketID int64, resolution *int) error {
	return t.s.markResolved(marketID, resolution)
}
func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) (int64, error) {
	return t.s.insertTrade(tr)
}
func (t *memTx) TradesByMarket(_ context.Context, marketID int64) ([]model.Trade, error) {
	return t.s.tradesByMarket(marketID)
}
func (t *memTx) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	return t.s.tradesByUser(userID)
}

// InTx on a transaction view joins the ongoing transaction.
func (t *memTx) InTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	return fn(ctx, t)
}

func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.BoughtShares = make([]decimal.Decimal, len(m.BoughtShares))
	copy(cp.BoughtShares, m.BoughtShares)
	if m.Resolution != nil {
		r := *m.Resolution
		cp.Resolution = &r
	}
	return &cp
}
