package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/store/memstore"
)

type transferCall struct {
	recipient domain.Account
	amount    *uint256.Int
}

// recordingTransfers captures scheduled transfers for assertions.
type recordingTransfers struct {
	mu    sync.Mutex
	calls []transferCall
	err   error
}

func (r *recordingTransfers) Transfer(ctx context.Context, recipient domain.Account, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, transferCall{recipient: recipient, amount: new(uint256.Int).Set(amount)})
	return nil
}

func (r *recordingTransfers) sent() []transferCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transferCall(nil), r.calls...)
}

func newTestService(t *testing.T) (*LedgerService, *memstore.MarketStore, *recordingTransfers) {
	t.Helper()
	store := memstore.NewMarketStore()
	transfers := &recordingTransfers{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewLedgerService(store, nil, nil, memstore.NewAuditStore(), nil, transfers, nil, logger)
	return svc, store, transfers
}

func call(caller string, deposit uint64) domain.CallContext {
	cc := domain.CallContext{Caller: domain.Account(caller)}
	if deposit > 0 {
		cc.Deposit = uint256.NewInt(deposit)
	}
	return cc
}

func TestCreateMarketSequentialIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		m, err := svc.CreateMarket(ctx, call("creator", 0), "desc", []string{"yes", "no"})
		require.NoError(t, err)
		assert.Equal(t, want, m.ID)
		assert.False(t, m.Resolved)
		assert.Nil(t, m.WinningOutcome)
		assert.True(t, m.TotalStaked.IsZero())
		assert.Equal(t, domain.Account("creator"), m.Creator)
	}
}

func TestCreateMarketSeedsCounterFromStore(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, domain.Market{ID: 4, TotalStaked: new(uint256.Int)}))

	m, err := svc.CreateMarket(ctx, call("creator", 0), "after restart", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), m.ID)
}

func TestCreateMarketAllowsEmptyOutcomes(t *testing.T) {
	svc, _, _ := newTestService(t)

	m, err := svc.CreateMarket(context.Background(), call("creator", 0), "degenerate", []string{})
	require.NoError(t, err)
	assert.Empty(t, m.Outcomes)
}

func TestPlaceBetUpdatesTotalStaked(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)

	m, err = svc.PlaceBet(ctx, call("alice", 100), m.ID, "yes")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(100), m.TotalStaked)

	m, err = svc.PlaceBet(ctx, call("bob", 50), m.ID, "no")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(150), m.TotalStaked)
	require.Len(t, m.Bets, 2)
	assert.Equal(t, domain.Account("alice"), m.Bets[0].Bettor)
	assert.Equal(t, "yes", m.Bets[0].Prediction)

	// The persisted copy carries the updated total as well.
	staked, err := svc.GetTotalStaked(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(150), staked)
}

func TestPlaceBetValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)

	_, err = svc.PlaceBet(ctx, call("alice", 0), m.ID, "yes")
	assert.ErrorIs(t, err, domain.ErrAmountRequired)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 128) // 2^128, one past the ceiling
	_, err = svc.PlaceBet(ctx, domain.CallContext{Caller: "alice", Deposit: huge}, m.ID, "yes")
	assert.ErrorIs(t, err, domain.ErrAmountTooLarge)

	_, err = svc.PlaceBet(ctx, call("alice", 10), 404, "yes")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceBetOnResolvedMarket(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)
	_, err = svc.SettleMarket(ctx, call("creator", 0), m.ID, "yes")
	require.NoError(t, err)

	_, err = svc.PlaceBet(ctx, call("late", 10), m.ID, "yes")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	got, err := svc.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Bets)
}

func TestSettleMarketPaysWinnersProportionally(t *testing.T) {
	svc, _, transfers := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("alice", 10), m.ID, "yes")
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("bob", 25), m.ID, "no")
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("carol", 30), m.ID, "yes")
	require.NoError(t, err)

	settled, err := svc.SettleMarket(ctx, call("oracle", 0), m.ID, "yes")
	require.NoError(t, err)
	assert.True(t, settled.Resolved)
	require.NotNil(t, settled.WinningOutcome)
	assert.Equal(t, "yes", *settled.WinningOutcome)
	require.NotNil(t, settled.ResolvedAt)

	sent := transfers.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, domain.Account("alice"), sent[0].recipient)
	assert.Equal(t, uint256.NewInt(16), sent[0].amount) // floor(10*65/40)
	assert.Equal(t, domain.Account("carol"), sent[1].recipient)
	assert.Equal(t, uint256.NewInt(48), sent[1].amount) // floor(30*65/40)

	// 65 - 16 - 48 = 1 left for the creator.
	assert.Equal(t, uint256.NewInt(1), settled.TotalStaked)
}

func TestSettleMarketIsOneShot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("alice", 10), m.ID, "yes")
	require.NoError(t, err)

	first, err := svc.SettleMarket(ctx, call("oracle", 0), m.ID, "yes")
	require.NoError(t, err)

	_, err = svc.SettleMarket(ctx, call("oracle", 0), m.ID, "no")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	// The losing second call changed nothing.
	got, err := svc.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.WinningOutcome, *got.WinningOutcome)
	assert.Len(t, got.Bets, len(first.Bets))
}

func TestSettleMarketNoWinners(t *testing.T) {
	svc, _, transfers := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("alice", 10), m.ID, "yes")
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("bob", 30), m.ID, "yes")
	require.NoError(t, err)

	settled, err := svc.SettleMarket(ctx, call("oracle", 0), m.ID, "no")
	require.NoError(t, err)
	assert.True(t, settled.Resolved)
	assert.Empty(t, transfers.sent())
	// Full pool stays withdrawable.
	assert.Equal(t, uint256.NewInt(40), settled.TotalStaked)
}

func TestSettleMarketZeroBets(t *testing.T) {
	svc, _, transfers := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)

	settled, err := svc.SettleMarket(ctx, call("oracle", 0), m.ID, "yes")
	require.NoError(t, err)
	assert.True(t, settled.Resolved)
	assert.True(t, settled.TotalStaked.IsZero())
	assert.Empty(t, transfers.sent())
}

func TestSettleMarketTransferFailureDoesNotRollBack(t *testing.T) {
	svc, _, transfers := newTestService(t)
	transfers.err = assert.AnError
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("alice", 10), m.ID, "yes")
	require.NoError(t, err)

	settled, err := svc.SettleMarket(ctx, call("oracle", 0), m.ID, "yes")
	require.NoError(t, err)
	assert.True(t, settled.Resolved)

	got, err := svc.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
}

func TestWithdrawFunds(t *testing.T) {
	svc, _, transfers := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("alice", 10), m.ID, "yes")
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("bob", 30), m.ID, "yes")
	require.NoError(t, err)

	// Before resolution: NotResolved.
	_, err = svc.WithdrawFunds(ctx, call("creator", 0), m.ID)
	assert.ErrorIs(t, err, domain.ErrNotResolved)

	// Nobody bet "no", so the whole pool survives settlement.
	_, err = svc.SettleMarket(ctx, call("oracle", 0), m.ID, "no")
	require.NoError(t, err)

	// Non-creator: Unauthorized.
	_, err = svc.WithdrawFunds(ctx, call("mallory", 0), m.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	amount, err := svc.WithdrawFunds(ctx, call("creator", 0), m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(40), amount)

	sent := transfers.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.Account("creator"), sent[0].recipient)
	assert.Equal(t, uint256.NewInt(40), sent[0].amount)

	// Second sweep transfers zero, and is not an error.
	amount, err = svc.WithdrawFunds(ctx, call("creator", 0), m.ID)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
	assert.Len(t, transfers.sent(), 1)
}

func TestWithdrawFundsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.WithdrawFunds(context.Background(), call("creator", 0), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetTotalStakedNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetTotalStaked(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMarketsPagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.CreateMarket(ctx, call("creator", 0), "m", []string{"yes", "no"})
		require.NoError(t, err)
	}

	page, err := svc.GetMarkets(ctx, domain.ListOpts{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].ID)
	assert.Equal(t, uint64(2), page[1].ID)

	// Past the end: empty page, not an error.
	page, err = svc.GetMarkets(ctx, domain.ListOpts{Offset: 10, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page)

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestEndToEndRainMarket(t *testing.T) {
	svc, _, transfers := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "Will it rain?", []string{"yes", "no"})
	require.NoError(t, err)

	_, err = svc.PlaceBet(ctx, call("a", 100), m.ID, "yes")
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, call("b", 50), m.ID, "no")
	require.NoError(t, err)

	settled, err := svc.SettleMarket(ctx, call("oracle", 0), m.ID, "yes")
	require.NoError(t, err)

	// A is the only winner and takes the whole 150 pool; B gets nothing.
	sent := transfers.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.Account("a"), sent[0].recipient)
	assert.Equal(t, uint256.NewInt(150), sent[0].amount)

	// No residual this time; the creator's sweep comes back zero.
	assert.True(t, settled.TotalStaked.IsZero())
	amount, err := svc.WithdrawFunds(ctx, call("creator", 0), m.ID)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
}

func TestConcurrentBetsOnSameMarket(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, call("creator", 0), "rain", []string{"yes", "no"})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.PlaceBet(ctx, call("bettor", 5), m.ID, "yes")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Bets, workers)
	assert.Equal(t, uint256.NewInt(5*workers), got.TotalStaked)
}
