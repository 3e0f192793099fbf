package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// Archiver copies settled markets to object storage once they have aged past
// the retention window, then marks them archived in the primary store. The
// primary rows are never deleted; markets persist indefinitely and archival
// only produces a durable off-database copy.
type Archiver struct {
	markets   domain.MarketStore
	writer    domain.BlobWriter
	reader    domain.BlobReader
	audit     domain.AuditStore
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
	batchSize int
}

// ArchiverConfig tunes the archival worker.
type ArchiverConfig struct {
	// Retention is how long a market stays unarchived after settlement.
	Retention time.Duration
	// Interval is the pause between archival sweeps.
	Interval time.Duration
	// BatchSize caps how many markets one sweep processes.
	BatchSize int
}

// NewArchiver creates an archival worker. reader and audit may be nil.
func NewArchiver(
	markets domain.MarketStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Archiver{
		markets:   markets,
		writer:    writer,
		reader:    reader,
		audit:     audit,
		logger:    logger,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Run sweeps periodically until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "s3blob: archiver started",
		slog.Duration("retention", a.retention),
		slog.Duration("interval", a.interval),
	)

	for {
		if _, err := a.Sweep(ctx); err != nil {
			a.logger.ErrorContext(ctx, "s3blob: sweep failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "s3blob: archiver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep archives one batch of settled markets older than the retention
// window and returns how many were archived.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.retention)
	markets, err := a.markets.ListSettledBefore(ctx, cutoff, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list settled markets: %w", err)
	}

	archived := 0
	for _, m := range markets {
		if err := a.archiveMarket(ctx, m); err != nil {
			a.logger.ErrorContext(ctx, "s3blob: archive market failed",
				slog.Uint64("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		archived++
	}

	if archived > 0 {
		a.logger.InfoContext(ctx, "s3blob: sweep complete",
			slog.Int("archived", archived),
		)
	}
	return archived, nil
}

func (a *Archiver) archiveMarket(ctx context.Context, m domain.Market) error {
	path := marketArchivePath(m)

	// A previous sweep may have uploaded the object and died before marking
	// the row; skip the upload in that case.
	exists := false
	if a.reader != nil {
		var err error
		exists, err = a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("check %s: %w", path, err)
		}
	}

	if !exists {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal market %d: %w", m.ID, err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
	}

	now := time.Now().UTC()
	if err := a.markets.MarkArchived(ctx, m.ID, now); err != nil {
		return fmt.Errorf("mark archived %d: %w", m.ID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "market_archived", map[string]any{
			"market_id": m.ID,
			"path":      path,
		}); err != nil {
			a.logger.WarnContext(ctx, "s3blob: archive audit log failed",
				slog.Uint64("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// marketArchivePath builds the S3 key for an archived market, partitioned by
// the year-month of its resolution time.
//
//	archive/markets/2025-01/42.json
func marketArchivePath(m domain.Market) string {
	month := "unknown"
	if m.ResolvedAt != nil {
		month = m.ResolvedAt.Format("2006-01")
	}
	return fmt.Sprintf("archive/markets/%s/%d.json", month, m.ID)
}
