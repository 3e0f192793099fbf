package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketledger/internal/server"
	"github.com/alanyoungcy/marketledger/internal/server/handler"
	"github.com/alanyoungcy/marketledger/internal/server/ws"
	"github.com/alanyoungcy/marketledger/internal/service"
	"github.com/alanyoungcy/marketledger/internal/store/memstore"
	"github.com/alanyoungcy/marketledger/internal/transfer"
)

// ServerMode runs the HTTP/WebSocket API plus the transfer dispatcher over
// the persistent stores.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svc := a.buildLedgerService(deps)
	a.startHTTPServer(ctx, g, deps, svc)
	a.startTransferDispatcher(ctx, g, deps)

	return g.Wait()
}

// ArchiveMode runs only the settled-market archival sweep. It is meant for a
// dedicated worker deployment next to one or more server replicas.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not wired (check archive.enabled and s3 settings)")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Archiver.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs every subsystem in one process: the API server, the transfer
// dispatcher, and the archival sweep.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svc := a.buildLedgerService(deps)
	a.startHTTPServer(ctx, g, deps, svc)
	a.startTransferDispatcher(ctx, g, deps)

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	return g.Wait()
}

// DevMode runs the API entirely in memory: no Postgres, no Redis, no S3, and
// payouts are logged instead of dispatched. State is lost on exit.
func (a *App) DevMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting dev mode (in-memory, dry-run transfers)")

	deps := &Dependencies{
		MarketStore: memstore.NewMarketStore(),
		AuditStore:  memstore.NewAuditStore(),
		Scheduler:   transfer.NewLogScheduler(a.logger),
	}

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildLedgerService(deps)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// buildLedgerService assembles the ledger service from whatever collaborators
// are wired. Nil cache, bus, audit, or locks simply disable those side
// channels.
func (a *App) buildLedgerService(deps *Dependencies) *service.LedgerService {
	return service.NewLedgerService(
		deps.MarketStore,
		deps.MarketCache,
		deps.SignalBus,
		deps.AuditStore,
		deps.LockManager,
		deps.Scheduler,
		deps.Notifier,
		a.logger,
	)
}

// startHTTPServer adds the HTTP server (and, when a signal bus is wired, the
// WebSocket hub) to the given errgroup. The server is shut down gracefully
// when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.LedgerService) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Health:  handler.NewHealthHandler(a.logger),
			Markets: handler.NewMarketHandler(svc, a.logger),
			Ledger:  handler.NewLedgerHandler(svc, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startTransferDispatcher adds the outbox dispatch loop when durable
// transfers are wired. Without an outbox the rail delivers inline and there
// is nothing to run.
func (a *App) startTransferDispatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Outbox == nil {
		a.logger.WarnContext(ctx, "transfer outbox not wired, payouts dispatch inline")
		return
	}
	g.Go(func() error {
		return deps.Outbox.Run(ctx)
	})
}
