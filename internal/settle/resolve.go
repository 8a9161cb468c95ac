package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/model"
	"github.com/pmarket/settlement-engine/internal/store"
)

// Positions aggregates the market's trade history into each user's net share
// holdings per outcome. Users who traded back to zero still appear with a
// zero vector. Pure read; no mutation.
func (e *Engine) Positions(ctx context.Context, marketID int64) (map[string][]decimal.Decimal, error) {
	market, err := e.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.TradesByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("positions %d: %w", marketID, err)
	}
	return accumulatePositions(trades, len(market.BoughtShares)), nil
}

func accumulatePositions(trades []model.Trade, outcomes int) map[string][]decimal.Decimal {
	positions := make(map[string][]decimal.Decimal)
	for _, t := range trades {
		pos, ok := positions[t.UserID]
		if !ok {
			pos = make([]decimal.Decimal, outcomes)
			for i := range pos {
				pos[i] = decimal.Zero
			}
			positions[t.UserID] = pos
		}
		pos[t.ShareIndex] = pos[t.ShareIndex].Add(t.SharesAmount)
	}
	return positions
}

// NetBalanceChanges sums each user's recorded balance changes across the
// market's trade history. The negated total over all users is exactly what
// traders paid into the market's escrow. Pure read; no mutation.
func (e *Engine) NetBalanceChanges(ctx context.Context, marketID int64) (map[string]decimal.Decimal, error) {
	if _, err := e.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	trades, err := e.store.TradesByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("net balance changes %d: %w", marketID, err)
	}
	return accumulateBalanceChanges(trades), nil
}

func accumulateBalanceChanges(trades []model.Trade) map[string]decimal.Decimal {
	changes := make(map[string]decimal.Decimal)
	for _, t := range trades {
		changes[t.UserID] = changes[t.UserID].Add(t.BalanceChange)
	}
	return changes
}

// ResolveMarket settles a market exactly once, in one atomic transaction.
//
// With resolution == nil the market is cancelled: every trader's net
// recorded balance change is reversed and the owner is refunded the full
// liquidity escrow, leaving every balance exactly as if the market had
// never existed.
//
// With a resolution index, every trader is paid one unit per share they
// hold of the winning outcome, and the owner receives what remains of the
// bankroll: liquidity, minus the traders' net balance changes, minus the
// rewards paid. The transaction moves exactly the escrowed liquidity plus
// net trading proceeds; no value is created or destroyed.
//
// ErrMarketResolved if the market is already resolved.
func (e *Engine) ResolveMarket(ctx context.Context, marketID int64, resolution *int) error {
	err := e.store.InTx(ctx, func(ctx context.Context, s store.Store) error {
		market, err := s.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("market %d: %w", marketID, ErrUnknownMarket)
			}
			return err
		}
		if market.IsResolved {
			return fmt.Errorf("market %d: %w", marketID, ErrMarketResolved)
		}
		if resolution != nil && (*resolution < 0 || *resolution >= len(market.BoughtShares)) {
			return fmt.Errorf("market %d resolution %d: %w", marketID, *resolution, ErrInvalidShareIndex)
		}

		trades, err := s.TradesByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		if resolution == nil {
			if err := e.cancel(ctx, s, market, trades); err != nil {
				return err
			}
		} else {
			if err := e.settle(ctx, s, market, trades, *resolution); err != nil {
				return err
			}
		}

		return s.MarkResolved(ctx, marketID, resolution)
	})
	if err != nil {
		return fmt.Errorf("resolve market: %w", err)
	}

	outcome := "cancelled"
	if resolution != nil {
		outcome = fmt.Sprintf("outcome %d", *resolution)
	}
	slog.Info("market resolved", "market", marketID, "resolution", outcome)
	return nil
}

// cancel reverses every trader's net balance change and refunds the
// liquidity escrow to the owner.
func (e *Engine) cancel(ctx context.Context, s store.Store, market *model.Market, trades []model.Trade) error {
	for userID, change := range accumulateBalanceChanges(trades) {
		if err := s.AddToBalance(ctx, userID, change.Neg()); err != nil {
			return err
		}
	}
	return s.AddToBalance(ctx, market.OwnerID, market.Liquidity)
}

// settle pays each trader their winning-outcome position and credits the
// remaining bankroll to the owner.
func (e *Engine) settle(ctx context.Context, s store.Store, market *model.Market, trades []model.Trade, winner int) error {
	// Bankroll = escrowed liquidity plus the traders' net payments into
	// the market (the negated sum of their balance changes).
	bankroll := market.Liquidity
	for _, change := range accumulateBalanceChanges(trades) {
		bankroll = bankroll.Sub(change)
	}

	for userID, pos := range accumulatePositions(trades, len(market.BoughtShares)) {
		reward := pos[winner]
		if err := s.AddToBalance(ctx, userID, reward); err != nil {
			return err
		}
		bankroll = bankroll.Sub(reward)
	}

	return s.AddToBalance(ctx, market.OwnerID, bankroll)
}
