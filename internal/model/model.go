// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeCount is the number of outcomes per market. The pricing math is
// generic over vector length, but markets are binary throughout.
const OutcomeCount = 2

// User is an account holder identified by an opaque string handle.
// Balance is mutated only by the settlement engine.
type User struct {
	ID      string          `json:"id" db:"id"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// Market is a binary prediction market priced by LMSR.
// BoughtShares has exactly OutcomeCount entries for the market's lifetime.
// Resolution is nil while open and after a cancellation; it points at the
// winning outcome index once the market settles to an outcome.
type Market struct {
	ID           int64             `json:"id" db:"id"`
	Title        string            `json:"title" db:"title"`
	Description  string            `json:"description" db:"description"`
	OwnerID      string            `json:"owner_id" db:"owner_id"`
	Liquidity    decimal.Decimal   `json:"liquidity" db:"liquidity"` // LMSR scale parameter b
	BoughtShares []decimal.Decimal `json:"bought_shares" db:"bought_shares"`
	IsResolved   bool              `json:"is_resolved" db:"is_resolved"`
	Resolution   *int              `json:"resolution" db:"resolution"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// Trade is an immutable record of an executed trade. SharesAmount is signed:
// positive = buy, negative = sell. BalanceChange is the signed monetary effect
// on the trader's balance recorded at execution time (negative for buys).
type Trade struct {
	ID            int64           `json:"id" db:"id"`
	MarketID      int64           `json:"market_id" db:"market_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	SharesAmount  decimal.Decimal `json:"shares_amount" db:"shares_amount"`
	ShareIndex    int             `json:"share_index" db:"share_index"`
	BalanceChange decimal.Decimal `json:"balance_change" db:"balance_change"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// ZeroShares returns a fresh all-zero share vector of length OutcomeCount.
func ZeroShares() []decimal.Decimal {
	shares := make([]decimal.Decimal, OutcomeCount)
	for i := range shares {
		shares[i] = decimal.Zero
	}
	return shares
}
