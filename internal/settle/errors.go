package settle

import "errors"

// Closed set of error kinds the settlement engine returns. Callers branch
// with errors.Is rather than matching message text. Persistence failures are
// wrapped with %w around the store's native error.
var (
	// ErrDuplicateUser is returned when creating a user whose id exists.
	ErrDuplicateUser = errors.New("settle: user already exists")

	// ErrUnknownUser is returned when a referenced user id is absent.
	ErrUnknownUser = errors.New("settle: unknown user")

	// ErrUnknownMarket is returned when a referenced market id is absent.
	ErrUnknownMarket = errors.New("settle: unknown market")

	// ErrInvalidTrade is returned when trade validation rejects an
	// execution: the market is resolved or the trader's balance would go
	// negative.
	ErrInvalidTrade = errors.New("settle: invalid trade")

	// ErrMarketResolved is returned when resolving a market that is
	// already resolved. Resolution is terminal and happens exactly once.
	ErrMarketResolved = errors.New("settle: market already resolved")

	// ErrInsufficientFunds is returned when a market owner cannot cover
	// the liquidity escrow.
	ErrInsufficientFunds = errors.New("settle: insufficient funds")

	// ErrLiquidityTooLow is returned when a new market's liquidity falls
	// below the configured minimum.
	ErrLiquidityTooLow = errors.New("settle: liquidity below minimum")

	// ErrInvalidShareIndex is returned when a share index falls outside
	// the market's outcome range.
	ErrInvalidShareIndex = errors.New("settle: share index out of range")
)
