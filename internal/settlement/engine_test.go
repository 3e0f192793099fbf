package settlement

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

func bet(bettor, prediction string, amount uint64) domain.Bet {
	return domain.Bet{
		Bettor:     domain.Account(bettor),
		Amount:     uint256.NewInt(amount),
		Prediction: prediction,
		PlacedAt:   time.Now(),
	}
}

func TestWinningStake(t *testing.T) {
	bets := []domain.Bet{
		bet("alice", "yes", 10),
		bet("bob", "no", 25),
		bet("carol", "yes", 30),
	}

	assert.Equal(t, uint256.NewInt(40), WinningStake(bets, "yes"))
	assert.Equal(t, uint256.NewInt(25), WinningStake(bets, "no"))
	assert.True(t, WinningStake(bets, "maybe").IsZero())
	assert.True(t, WinningStake(nil, "yes").IsZero())
}

func TestComputePayoutsProportional(t *testing.T) {
	// alice and carol split the whole pool 10:30; bob loses his stake.
	bets := []domain.Bet{
		bet("alice", "yes", 10),
		bet("bob", "no", 25),
		bet("carol", "yes", 30),
	}
	pool := uint256.NewInt(65)

	payouts := ComputePayouts(bets, "yes", pool)
	require.Len(t, payouts, 2)

	assert.Equal(t, domain.Account("alice"), payouts[0].Recipient)
	assert.Equal(t, uint256.NewInt(16), payouts[0].Amount) // floor(10*65/40)
	assert.Equal(t, domain.Account("carol"), payouts[1].Recipient)
	assert.Equal(t, uint256.NewInt(48), payouts[1].Amount) // floor(30*65/40)

	// 65 - 16 - 48 = 1 stays in the market.
	assert.Equal(t, uint256.NewInt(1), Residual(pool, payouts))
}

func TestComputePayoutsSingleWinnerTakesPool(t *testing.T) {
	bets := []domain.Bet{
		bet("alice", "yes", 7),
		bet("bob", "no", 93),
	}
	pool := uint256.NewInt(100)

	payouts := ComputePayouts(bets, "yes", pool)
	require.Len(t, payouts, 1)
	assert.Equal(t, uint256.NewInt(100), payouts[0].Amount)
	assert.True(t, Residual(pool, payouts).IsZero())
}

func TestComputePayoutsNoWinners(t *testing.T) {
	bets := []domain.Bet{
		bet("alice", "yes", 10),
		bet("bob", "yes", 30),
	}
	pool := uint256.NewInt(40)

	// Nobody predicted the winning outcome: no payouts, no division.
	payouts := ComputePayouts(bets, "no", pool)
	assert.Empty(t, payouts)
	assert.Equal(t, pool, Residual(pool, payouts))
}

func TestComputePayoutsNoBets(t *testing.T) {
	assert.Empty(t, ComputePayouts(nil, "yes", uint256.NewInt(0)))
	assert.Empty(t, ComputePayouts(nil, "yes", nil))
}

func TestComputePayoutsSumNeverExceedsPool(t *testing.T) {
	bets := []domain.Bet{
		bet("a", "yes", 3),
		bet("b", "yes", 7),
		bet("c", "yes", 11),
		bet("d", "no", 13),
		bet("e", "no", 17),
	}
	pool := uint256.NewInt(51)

	for _, outcome := range []string{"yes", "no"} {
		payouts := ComputePayouts(bets, outcome, pool)
		paid := new(uint256.Int)
		for _, p := range payouts {
			paid.Add(paid, p.Amount)
		}
		assert.True(t, paid.Cmp(pool) <= 0, "outcome %q paid %s > pool %s", outcome, paid, pool)
	}
}

func TestComputePayoutsLargeAmounts(t *testing.T) {
	// Stakes near the 128-bit amount ceiling: the intermediate product needs
	// the full 256-bit width but the result must not overflow or truncate
	// incorrectly.
	big := new(uint256.Int).Lsh(uint256.NewInt(1), 127) // 2^127
	bets := []domain.Bet{
		{Bettor: "whale", Amount: new(uint256.Int).Set(big), Prediction: "yes"},
		{Bettor: "minnow", Amount: uint256.NewInt(1), Prediction: "no"},
	}
	pool := new(uint256.Int).Add(big, uint256.NewInt(1))

	payouts := ComputePayouts(bets, "yes", pool)
	require.Len(t, payouts, 1)
	// floor(2^127 * (2^127+1) / 2^127) = 2^127 + 1: the sole winner gets the
	// whole pool exactly.
	assert.Equal(t, pool, payouts[0].Amount)
	assert.True(t, Residual(pool, payouts).IsZero())
}

func TestComputePayoutsPreservesBetOrder(t *testing.T) {
	bets := []domain.Bet{
		bet("third", "yes", 1),
		bet("loser", "no", 5),
		bet("third", "yes", 2),
	}
	payouts := ComputePayouts(bets, "yes", uint256.NewInt(8))
	require.Len(t, payouts, 2)
	// The same account may win through multiple bets; each bet pays out
	// separately, in placement order.
	assert.Equal(t, uint256.NewInt(2), payouts[0].Amount) // floor(1*8/3)
	assert.Equal(t, uint256.NewInt(5), payouts[1].Amount) // floor(2*8/3)
}
