// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Multi-row settlement steps run inside InTx: the callback receives a Store
// whose writes are invisible to other transactions until commit and are all
// rolled back on error. The ForUpdate read variants lock the row for the
// remainder of the enclosing transaction, which is how the engine serializes
// concurrent trades against the same user and market.
type Store interface {
	// --- User operations ---

	// CreateUser inserts a new user row. ErrDuplicate if the id exists.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by id. ErrNotFound if absent.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserForUpdate retrieves a user and locks the row until the
	// enclosing transaction ends.
	GetUserForUpdate(ctx context.Context, id string) (*model.User, error)

	// AddToBalance adds a signed delta to a user's balance.
	// ErrNotFound if the user does not exist.
	AddToBalance(ctx context.Context, userID string, delta decimal.Decimal) error

	// --- Market operations ---

	// CreateMarket persists a new market and returns its assigned id.
	CreateMarket(ctx context.Context, market *model.Market) (int64, error)

	// GetMarket retrieves a market by id. ErrNotFound if absent.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// GetMarketForUpdate retrieves a market and locks the row until the
	// enclosing transaction ends.
	GetMarketForUpdate(ctx context.Context, id int64) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// AddBoughtShares adds delta to bought_shares[shareIndex] on a market.
	AddBoughtShares(ctx context.Context, marketID int64, shareIndex int, delta decimal.Decimal) error

	// MarkResolved sets is_resolved and the resolution outcome exactly once.
	MarkResolved(ctx context.Context, marketID int64, resolution *int) error

	// --- Immutable trade ledger ---

	// InsertTrade appends an immutable trade record and returns its id.
	InsertTrade(ctx context.Context, trade *model.Trade) (int64, error)

	// TradesByMarket returns all trades for a market in execution order.
	TradesByMarket(ctx context.Context, marketID int64) ([]model.Trade, error)

	// TradesByUser returns all trades for a user in execution order.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Transaction scoping ---

	// InTx runs fn within a single transaction. fn's writes commit together
	// or not at all; on error every write is rolled back.
	InTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
