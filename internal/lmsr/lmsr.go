// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker used to price outcome shares.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal, never float64.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal. The float64
// round trip bounds precision at roughly 15 significant digits; that loss
// is accepted as a known approximation of the transcendental step, never
// of the decimal accounting around it.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrShareVectorLength is returned when a share vector does not match
	// the market maker's outcome count.
	ErrShareVectorLength = errors.New("lmsr: share vector length mismatch")

	// ErrInvalidShareIndex is returned when a share index falls outside the
	// outcome range.
	ErrInvalidShareIndex = errors.New("lmsr: share index out of range")

	// CostScale is the number of decimal places for cost/probability rounding.
	CostScale int32 = 8
)

// MarketMaker implements the LMSR cost function for a fixed outcome count.
// It is stateless: share quantities are passed as arguments, not stored.
type MarketMaker struct {
	b        decimal.Decimal
	outcomes int
}

// NewMarketMaker creates an LMSR market maker with liquidity parameter b for
// a market with the given number of outcomes. Higher b means more liquidity
// and lower price impact per trade. Maximum market-maker loss is bounded by
// b * ln(outcomes).
func NewMarketMaker(b decimal.Decimal, outcomes int) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	if outcomes < 2 {
		return nil, ErrShareVectorLength
	}
	return &MarketMaker{b: b, outcomes: outcomes}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// Outcomes returns the outcome count this market maker prices.
func (m *MarketMaker) Outcomes() int {
	return m.outcomes
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts a decimal share vector to float64 quantities divided by b.
func (m *MarketMaker) scaled(shares []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	xs := make([]float64, len(shares))
	for i, s := range shares {
		xs[i] = s.InexactFloat64() / bf
	}
	return xs
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(shares []decimal.Decimal) (decimal.Decimal, error) {
	if len(shares) != m.outcomes {
		return decimal.Zero, ErrShareVectorLength
	}
	lse := logSumExp(m.scaled(shares))
	cost := m.b.InexactFloat64() * lse
	return decimal.NewFromFloat(cost).Round(CostScale), nil
}

// Probabilities computes the instantaneous probability of each outcome:
//
//	p_i = exp(q_i / b - LSE(q / b))
//
// This is the softmax function. The log-sum-exp term is computed once and
// reused for every outcome, so the result sums to 1 up to rounding.
func (m *MarketMaker) Probabilities(shares []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(shares) != m.outcomes {
		return nil, ErrShareVectorLength
	}

	xs := m.scaled(shares)
	lse := logSumExp(xs)

	probs := make([]decimal.Decimal, len(xs))
	for i, x := range xs {
		probs[i] = decimal.NewFromFloat(math.Exp(x - lse)).Round(CostScale)
	}
	return probs, nil
}

// BalanceChange computes the signed monetary effect on a trader's balance of
// changing shares[shareIndex] by delta:
//
//	change = C(q) - C(q')   where q' = q with q[shareIndex] += delta
//
// Buying (positive delta) increases the cost function, so the change is
// negative: the trader pays. Selling yields a positive change: the trader
// receives. This is the single pricing source for all settlement paths.
func (m *MarketMaker) BalanceChange(shares []decimal.Decimal, shareIndex int, delta decimal.Decimal) (decimal.Decimal, error) {
	if len(shares) != m.outcomes {
		return decimal.Zero, ErrShareVectorLength
	}
	if shareIndex < 0 || shareIndex >= len(shares) {
		return decimal.Zero, ErrInvalidShareIndex
	}

	costBefore, err := m.Cost(shares)
	if err != nil {
		return decimal.Zero, err
	}

	after := make([]decimal.Decimal, len(shares))
	copy(after, shares)
	after[shareIndex] = after[shareIndex].Add(delta)

	costAfter, err := m.Cost(after)
	if err != nil {
		return decimal.Zero, err
	}
	return costBefore.Sub(costAfter), nil
}

// MaxLoss returns the maximum possible loss for the market maker:
// b * ln(n) for an n-outcome market.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	loss := m.b.InexactFloat64() * math.Log(float64(m.outcomes))
	return decimal.NewFromFloat(loss).Round(CostScale)
}
