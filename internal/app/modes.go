package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/scheduler"
	"github.com/alanyoungcy/dcavault/internal/server"
	"github.com/alanyoungcy/dcavault/internal/server/handler"
	"github.com/alanyoungcy/dcavault/internal/server/ws"
)

// ServeMode starts the HTTP API, the WebSocket hub, and nothing else. Fills
// only happen when an automation caller hits the fill endpoints.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// ScheduleMode starts the automated fill scheduler and, when enabled, the
// periodic cold-storage archiver. No HTTP API is exposed.
func (a *App) ScheduleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting schedule mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode starts all subsystems: the HTTP API, the fill scheduler, and the
// archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	a.startScheduler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// startHTTPServer adds the API server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger).
			WithPostgres(deps.PGClient).
			WithRedis(deps.RedisClient),
		Positions: handler.NewPositionHandler(deps.PositionSvc, deps.Engine, a.logger),
		Fills:     handler.NewFillHandler(deps.Engine, a.logger),
		Treasury:  handler.NewTreasuryHandler(deps.TreasurySvc, deps.AuditStore, a.logger),
	}
	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, deps.Roles, retention, a.logger)
	}

	keys := make(map[string]domain.Principal, len(a.cfg.Server.APIKeys))
	for _, k := range a.cfg.Server.APIKeys {
		keys[k.Token] = domain.Principal{Name: k.Name, Address: k.Address}
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeys:     keys,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startScheduler adds the automated fill scheduler goroutine to the errgroup.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	principal := domain.Principal{Name: a.cfg.Scheduler.Principal}
	sched := scheduler.New(deps.PositionStore, deps.Engine, principal, scheduler.Config{
		ScanInterval: a.cfg.Scheduler.ScanInterval.Duration,
		BatchLimit:   a.cfg.Scheduler.BatchLimit,
		Workers:      a.cfg.Scheduler.Workers,
	}, a.logger)

	g.Go(func() error {
		err := sched.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startArchiver adds a periodic archival goroutine when archival is enabled.
// Each cycle exports positions closed longer ago than the retention window,
// plus the audit log up to the same cutoff.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return
	}

	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runOnce := func() {
			cutoff := time.Now().UTC().Add(-retention)

			n, err := deps.Archiver.ArchiveClosedPositions(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive: closed positions failed",
					slog.String("error", err.Error()),
				)
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archive: exported closed positions",
					slog.Int64("count", n),
					slog.Time("cutoff", cutoff),
				)
			}

			n, err = deps.Archiver.ArchiveAudit(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive: audit log failed",
					slog.String("error", err.Error()),
				)
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archive: exported audit entries",
					slog.Int64("count", n),
					slog.Time("cutoff", cutoff),
				)
			}
		}

		runOnce()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})
}
