// Package settle implements the transactional settlement core of the
// prediction-market ledger: user accounts, market creation with liquidity
// escrow, trade validation and execution, and market resolution.
//
// Every multi-row state transition runs inside a single store transaction;
// partial effects are never observable. Pricing is delegated to the lmsr
// package, which is the single source of truth for all monetary valuation.
// All monetary values use shopspring/decimal, never float64.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/lmsr"
	"github.com/pmarket/settlement-engine/internal/model"
	"github.com/pmarket/settlement-engine/internal/store"
)

// Config carries the engine's tunables. The seed balance is explicit
// configuration rather than a process-wide constant.
type Config struct {
	// SeedBalance is credited to every newly created user.
	SeedBalance decimal.Decimal

	// MinLiquidity is the smallest accepted liquidity for a new market.
	MinLiquidity decimal.Decimal
}

// DefaultConfig returns the stock configuration: 1000 seed balance,
// 100 minimum liquidity.
func DefaultConfig() Config {
	return Config{
		SeedBalance:  decimal.NewFromInt(1000),
		MinLiquidity: decimal.NewFromInt(100),
	}
}

// Engine orchestrates atomic settlement transitions against a Store.
// It holds no mutable state of its own; isolation between concurrent
// operations comes entirely from the store's transactions and row locks.
type Engine struct {
	store store.Store
	cfg   Config
}

// NewEngine creates a settlement engine backed by st.
func NewEngine(st store.Store, cfg Config) *Engine {
	return &Engine{store: st, cfg: cfg}
}

// CreateUser inserts a new user with zero balance, then credits the
// configured seed balance, atomically. ErrDuplicateUser if the id exists.
func (e *Engine) CreateUser(ctx context.Context, id string) error {
	err := e.store.InTx(ctx, func(ctx context.Context, s store.Store) error {
		if err := s.CreateUser(ctx, &model.User{ID: id, Balance: decimal.Zero}); err != nil {
			return err
		}
		return s.AddToBalance(ctx, id, e.cfg.SeedBalance)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("create user %s: %w", id, ErrDuplicateUser)
		}
		return fmt.Errorf("create user %s: %w", id, err)
	}

	slog.Info("user created", "user", id, "seed_balance", e.cfg.SeedBalance.String())
	return nil
}

// EnsureUser is the idempotent variant of CreateUser: an existing id is a
// no-op success instead of an error.
func (e *Engine) EnsureUser(ctx context.Context, id string) error {
	err := e.CreateUser(ctx, id)
	if errors.Is(err, ErrDuplicateUser) {
		return nil
	}
	return err
}

// GetUser returns the user's current state. ErrUnknownUser if absent.
func (e *Engine) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get user %s: %w", id, ErrUnknownUser)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// AdjustBalance atomically adds delta (any sign) to a user's balance.
// It performs no sufficiency check; callers establishing a floor must check
// inside the same transaction. ErrUnknownUser if the id is absent.
func (e *Engine) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	if err := e.store.AddToBalance(ctx, userID, delta); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("adjust balance %s: %w", userID, ErrUnknownUser)
		}
		return fmt.Errorf("adjust balance %s: %w", userID, err)
	}
	return nil
}

// CreateMarket atomically escrows the owner's liquidity and inserts the
// market row with zeroed bought shares, returning the new market id.
// The owner must hold at least the liquidity amount; creating a market can
// never drive a balance negative.
func (e *Engine) CreateMarket(ctx context.Context, title, description, ownerID string, liquidity decimal.Decimal) (int64, error) {
	// Fail fast on a liquidity the pricing engine would reject.
	if _, err := lmsr.NewMarketMaker(liquidity, model.OutcomeCount); err != nil {
		return 0, fmt.Errorf("create market: %w", err)
	}
	if liquidity.LessThan(e.cfg.MinLiquidity) {
		return 0, fmt.Errorf("create market: %w (minimum %s)", ErrLiquidityTooLow, e.cfg.MinLiquidity)
	}

	var marketID int64
	err := e.store.InTx(ctx, func(ctx context.Context, s store.Store) error {
		owner, err := s.GetUserForUpdate(ctx, ownerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("owner %s: %w", ownerID, ErrUnknownUser)
			}
			return err
		}
		if owner.Balance.LessThan(liquidity) {
			return fmt.Errorf("owner %s: %w", ownerID, ErrInsufficientFunds)
		}

		if err := s.AddToBalance(ctx, ownerID, liquidity.Neg()); err != nil {
			return err
		}

		marketID, err = s.CreateMarket(ctx, &model.Market{
			Title:        title,
			Description:  description,
			OwnerID:      ownerID,
			Liquidity:    liquidity,
			BoughtShares: model.ZeroShares(),
			CreatedAt:    time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create market: %w", err)
	}

	slog.Info("market created",
		"market", marketID,
		"owner", ownerID,
		"liquidity", liquidity.String(),
		"title", title,
	)
	return marketID, nil
}

// GetMarket returns the market's current state. ErrUnknownMarket if absent.
func (e *Engine) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get market %d: %w", id, ErrUnknownMarket)
		}
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return m, nil
}

// ListMarkets returns all markets, newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return markets, nil
}

// MarketTrades returns the market's trade history in execution order.
func (e *Engine) MarketTrades(ctx context.Context, marketID int64) ([]model.Trade, error) {
	if _, err := e.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	trades, err := e.store.TradesByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("trades for market %d: %w", marketID, err)
	}
	return trades, nil
}

// UserTrades returns the user's trade history in execution order.
func (e *Engine) UserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := e.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	trades, err := e.store.TradesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trades for user %s: %w", userID, err)
	}
	return trades, nil
}

// Quote is a pricing snapshot of a market: per-outcome probabilities and the
// current value of the LMSR cost function.
type Quote struct {
	MarketID      int64             `json:"market_id"`
	Probabilities []decimal.Decimal `json:"probabilities"`
	Cost          decimal.Decimal   `json:"cost"`
	IsResolved    bool              `json:"is_resolved"`
}

// GetQuote computes the market's current probabilities and cost.
func (e *Engine) GetQuote(ctx context.Context, marketID int64) (*Quote, error) {
	m, err := e.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	mm, err := lmsr.NewMarketMaker(m.Liquidity, len(m.BoughtShares))
	if err != nil {
		return nil, fmt.Errorf("quote market %d: %w", marketID, err)
	}
	probs, err := mm.Probabilities(m.BoughtShares)
	if err != nil {
		return nil, fmt.Errorf("quote market %d: %w", marketID, err)
	}
	cost, err := mm.Cost(m.BoughtShares)
	if err != nil {
		return nil, fmt.Errorf("quote market %d: %w", marketID, err)
	}

	return &Quote{
		MarketID:      m.ID,
		Probabilities: probs,
		Cost:          cost,
		IsResolved:    m.IsResolved,
	}, nil
}

// ValidateTrade prices a proposed trade against current state and reports
// whether it would be accepted, alongside the signed balance change.
// A resolved market rejects every trade with a zero balance change. This is
// a read-only query; ExecuteTrade re-validates under row locks, so a
// validation result may go stale by execution time.
func (e *Engine) ValidateTrade(ctx context.Context, marketID int64, userID string, sharesAmount decimal.Decimal, shareIndex int) (bool, decimal.Decimal, error) {
	user, err := e.GetUser(ctx, userID)
	if err != nil {
		return false, decimal.Zero, err
	}
	market, err := e.GetMarket(ctx, marketID)
	if err != nil {
		return false, decimal.Zero, err
	}
	return e.validate(user, market, sharesAmount, shareIndex)
}

// validate applies the trade-acceptance rule to already-loaded rows.
func (e *Engine) validate(user *model.User, market *model.Market, sharesAmount decimal.Decimal, shareIndex int) (bool, decimal.Decimal, error) {
	if shareIndex < 0 || shareIndex >= len(market.BoughtShares) {
		return false, decimal.Zero, fmt.Errorf("market %d: %w", market.ID, ErrInvalidShareIndex)
	}
	if market.IsResolved {
		return false, decimal.Zero, nil
	}

	mm, err := lmsr.NewMarketMaker(market.Liquidity, len(market.BoughtShares))
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("market %d: %w", market.ID, err)
	}
	change, err := mm.BalanceChange(market.BoughtShares, shareIndex, sharesAmount)
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("market %d: %w", market.ID, err)
	}

	accepted := user.Balance.Add(change).GreaterThanOrEqual(decimal.Zero)
	return accepted, change, nil
}

// ExecuteTrade validates and executes a trade as one atomic transition: the
// user and market rows are locked, the trade is re-priced against the locked
// state, and the balance update, trade record, and share-vector update commit
// together. Two concurrent trades against the same user or market therefore
// serialize, and neither can overdraw a balance. ErrInvalidTrade on
// rejection.
func (e *Engine) ExecuteTrade(ctx context.Context, marketID int64, userID string, sharesAmount decimal.Decimal, shareIndex int) (*model.Trade, error) {
	var trade *model.Trade

	err := e.store.InTx(ctx, func(ctx context.Context, s store.Store) error {
		user, err := s.GetUserForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("user %s: %w", userID, ErrUnknownUser)
			}
			return err
		}
		market, err := s.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("market %d: %w", marketID, ErrUnknownMarket)
			}
			return err
		}

		accepted, change, err := e.validate(user, market, sharesAmount, shareIndex)
		if err != nil {
			return err
		}
		if !accepted {
			if market.IsResolved {
				return fmt.Errorf("market %d is resolved: %w", marketID, ErrInvalidTrade)
			}
			return fmt.Errorf("balance %s cannot cover %s: %w",
				user.Balance, change.Neg(), ErrInvalidTrade)
		}

		if err := s.AddToBalance(ctx, userID, change); err != nil {
			return err
		}

		trade = &model.Trade{
			MarketID:      marketID,
			UserID:        userID,
			SharesAmount:  sharesAmount,
			ShareIndex:    shareIndex,
			BalanceChange: change,
			CreatedAt:     time.Now().UTC(),
		}
		id, err := s.InsertTrade(ctx, trade)
		if err != nil {
			return err
		}
		trade.ID = id

		return s.AddBoughtShares(ctx, marketID, shareIndex, sharesAmount)
	})
	if err != nil {
		return nil, fmt.Errorf("execute trade: %w", err)
	}

	slog.Info("trade executed",
		"trade", trade.ID,
		"market", marketID,
		"user", userID,
		"shares", sharesAmount.String(),
		"share_index", shareIndex,
		"balance_change", trade.BalanceChange.String(),
	)
	return trade, nil
}
