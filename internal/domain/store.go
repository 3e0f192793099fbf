package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries. Offset is the index of the
// first market in ID order; Limit caps the page size.
type ListOpts struct {
	Offset int
	Limit  int
}

// MarketStore persists markets keyed by their numeric ID. Implementations
// must support both point lookup and enumeration in ascending ID order; they
// are not required to be safe for concurrent writers on the same market (the
// service layer serializes per-market mutations).
type MarketStore interface {
	// Insert stores a newly created market.
	Insert(ctx context.Context, m Market) error

	// Update rewrites a market's mutable state (bets, stake total, resolution
	// fields). Bets are append-only; implementations may rely on that.
	Update(ctx context.Context, m Market) error

	// Get returns the market with the given ID, or ErrNotFound.
	Get(ctx context.Context, id uint64) (Market, error)

	// List returns markets ordered by ascending ID. An offset past the end
	// yields an empty slice, not an error.
	List(ctx context.Context, opts ListOpts) ([]Market, error)

	// Count returns the total number of markets.
	Count(ctx context.Context) (int64, error)

	// MaxID returns the highest allocated market ID. ok is false when the
	// store holds no markets.
	MaxID(ctx context.Context) (id uint64, ok bool, err error)

	// ListSettledBefore returns resolved, not-yet-archived markets whose
	// resolution time is before cutoff, for the archival worker.
	ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]Market, error)

	// MarkArchived records that a settled market has been archived.
	MarkArchived(ctx context.Context, id uint64, at time.Time) error
}

// AuditEntry is a single append-only audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of ledger operations.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
