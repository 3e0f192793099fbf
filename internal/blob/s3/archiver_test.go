package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/store/memstore"
)

// memBlob is an in-memory BlobWriter/BlobReader used by the archiver tests.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (b *memBlob) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = payload
	return nil
}

func (b *memBlob) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlob) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var infos []domain.BlobInfo
	for path, data := range b.objects {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(data))})
		}
	}
	return infos, nil
}

func (b *memBlob) Exists(ctx context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func settledMarket(id uint64, resolvedAt time.Time) domain.Market {
	outcome := "yes"
	return domain.Market{
		ID:             id,
		Description:    "archived?",
		Outcomes:       []string{"yes", "no"},
		Resolved:       true,
		WinningOutcome: &outcome,
		TotalStaked:    new(uint256.Int),
		Creator:        "creator",
		CreatedAt:      resolvedAt.Add(-time.Hour),
		ResolvedAt:     &resolvedAt,
	}
}

func TestSweepArchivesAgedMarkets(t *testing.T) {
	store := memstore.NewMarketStore()
	blob := newMemBlob()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Insert(ctx, settledMarket(1, old)))
	require.NoError(t, store.Insert(ctx, settledMarket(2, fresh)))

	a := NewArchiver(store, blob, blob, memstore.NewAuditStore(),
		ArchiverConfig{Retention: 24 * time.Hour}, logger)

	archived, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	exists, err := blob.Exists(ctx, "archive/markets/"+old.Format("2006-01")+"/1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	m, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, m.ArchivedAt)

	// The fresh market is untouched.
	m, err = store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, m.ArchivedAt)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := memstore.NewMarketStore()
	blob := newMemBlob()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Insert(ctx, settledMarket(1, old)))

	a := NewArchiver(store, blob, blob, nil, ArchiverConfig{Retention: 24 * time.Hour}, logger)

	archived, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	// Already marked archived: the next sweep finds nothing.
	archived, err = a.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, archived)
}
