package transfer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/store/memstore"
)

type stubRail struct {
	calls int
	err   error
}

func (s *stubRail) Transfer(ctx context.Context, recipient domain.Account, amount *uint256.Int) error {
	s.calls++
	return s.err
}

func newTestOutbox(rail *stubRail) (*Outbox, *memstore.TransferOutboxStore) {
	store := memstore.NewTransferOutboxStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOutbox(store, rail, nil, logger), store
}

func TestOutboxTransferEnqueues(t *testing.T) {
	outbox, store := newTestOutbox(&stubRail{})
	ctx := context.Background()

	require.NoError(t, outbox.Transfer(ctx, "alice", uint256.NewInt(100)))

	pending, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.Account("alice"), pending[0].Recipient)
	assert.Equal(t, uint256.NewInt(100), pending[0].Amount)
	assert.Equal(t, domain.TransferPending, pending[0].Status)
}

func TestOutboxDispatchMarksSent(t *testing.T) {
	rail := &stubRail{}
	outbox, store := newTestOutbox(rail)
	ctx := context.Background()

	require.NoError(t, outbox.Transfer(ctx, "alice", uint256.NewInt(100)))
	outbox.dispatchPending(ctx)

	assert.Equal(t, 1, rail.calls)
	pending, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxRetriesUntilCeiling(t *testing.T) {
	rail := &stubRail{err: assert.AnError}
	outbox, store := newTestOutbox(rail)
	ctx := context.Background()

	require.NoError(t, outbox.Transfer(ctx, "alice", uint256.NewInt(100)))

	// Failing dispatches keep the instruction pending until the ceiling.
	for i := 1; i < domain.MaxTransferAttempts; i++ {
		outbox.dispatchPending(ctx)
		pending, err := store.ListPending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, i, pending[0].Attempts)
	}

	// The final attempt moves it to failed, out of the pending set.
	outbox.dispatchPending(ctx)
	pending, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, domain.MaxTransferAttempts, rail.calls)
}

func TestOutboxDispatchRecoversAfterTransientFailure(t *testing.T) {
	rail := &stubRail{err: assert.AnError}
	outbox, store := newTestOutbox(rail)
	ctx := context.Background()

	require.NoError(t, outbox.Transfer(ctx, "bob", uint256.NewInt(7)))
	outbox.dispatchPending(ctx)

	rail.err = nil
	outbox.dispatchPending(ctx)

	pending, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
