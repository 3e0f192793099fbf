// Package settlement computes proportional payouts for resolved markets.
//
// The whole staked pool (winning and losing stake alike) is redistributed
// pro-rata among the bets that matched the winning outcome, by their share of
// the winning stake. All arithmetic is integer: amounts are bounded to 128
// bits, so the product of a bet amount and the pool always fits in 256 bits
// and per-bet payouts truncate toward zero. The truncation residual stays in
// the market for the creator to withdraw.
package settlement

import (
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// WinningStake returns the sum of amounts over bets whose prediction equals
// outcome. The comparison is exact and case-sensitive.
func WinningStake(bets []domain.Bet, outcome string) *uint256.Int {
	total := new(uint256.Int)
	for _, b := range bets {
		if b.Prediction == outcome {
			total.Add(total, b.Amount)
		}
	}
	return total
}

// ComputePayouts returns one payout instruction per winning bet:
//
//	payout = floor(bet.Amount * pool / winningStake)
//
// Losing bets receive nothing. When no bet matched the outcome (or there are
// no bets at all) the result is empty and the full pool remains withdrawable;
// the degenerate division never happens. The sum of returned payouts is at
// most pool.
func ComputePayouts(bets []domain.Bet, outcome string, pool *uint256.Int) []domain.Payout {
	winning := WinningStake(bets, outcome)
	if winning.IsZero() || pool == nil || pool.IsZero() {
		return nil
	}

	payouts := make([]domain.Payout, 0, len(bets))
	for _, b := range bets {
		if b.Prediction != outcome {
			continue
		}
		amount := new(uint256.Int).Mul(b.Amount, pool)
		amount.Div(amount, winning)
		payouts = append(payouts, domain.Payout{
			Recipient: b.Bettor,
			Amount:    amount,
		})
	}
	return payouts
}

// Residual returns pool minus the sum of payouts: the truncation remainder
// that stays in the market after settlement.
func Residual(pool *uint256.Int, payouts []domain.Payout) *uint256.Int {
	paid := new(uint256.Int)
	for _, p := range payouts {
		paid.Add(paid, p.Amount)
	}
	return new(uint256.Int).Sub(pool, paid)
}
