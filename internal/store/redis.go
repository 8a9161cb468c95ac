package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for user and market rows. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Locked reads and trade history always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	inTx    bool // never populate the cache from uncommitted reads
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- User operations ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	if s.inTx {
		return s.primary.GetUser(ctx, id)
	}

	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

// GetUserForUpdate bypasses the cache: the caller needs the locked row.
func (s *CachedStore) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUserForUpdate(ctx, id)
}

func (s *CachedStore) AddToBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	if err := s.primary.AddToBalance(ctx, userID, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

// --- Market operations ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) (int64, error) {
	return s.primary.CreateMarket(ctx, m)
}

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	if s.inTx {
		return s.primary.GetMarket(ctx, id)
	}

	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

// GetMarketForUpdate bypasses the cache: the caller needs the locked row.
func (s *CachedStore) GetMarketForUpdate(ctx context.Context, id int64) (*model.Market, error) {
	return s.primary.GetMarketForUpdate(ctx, id)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) AddBoughtShares(ctx context.Context, marketID int64, shareIndex int, delta decimal.Decimal) error {
	if err := s.primary.AddBoughtShares(ctx, marketID, shareIndex, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) MarkResolved(ctx context.Context, marketID int64, resolution *int) error {
	if err := s.primary.MarkResolved(ctx, marketID, resolution); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

// --- Trade ledger (never cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) (int64, error) {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID int64) ([]model.Trade, error) {
	return s.primary.TradesByMarket(ctx, marketID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.TradesByUser(ctx, userID)
}

// --- Transaction scoping ---

// InTx delegates to the primary's transaction. Inside the transaction the
// cache is invalidated on writes but never populated, so uncommitted rows
// can't leak into Redis.
func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	return s.primary.InTx(ctx, func(ctx context.Context, txStore Store) error {
		return fn(ctx, &CachedStore{
			primary: txStore,
			rdb:     s.rdb,
			ttl:     s.ttl,
			inTx:    true,
		})
	})
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if s.inTx {
		return
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if s.inTx {
		return
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func userKey(id string) string  { return fmt.Sprintf("user:%s", id) }
func marketKey(id int64) string { return fmt.Sprintf("market:%d", id) }
