package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/auctionengine/internal/auction"
	"github.com/alanyoungcy/auctionengine/internal/notify"
	"github.com/alanyoungcy/auctionengine/internal/server"
	"github.com/alanyoungcy/auctionengine/internal/server/handler"
	"github.com/alanyoungcy/auctionengine/internal/server/ws"
	"github.com/alanyoungcy/auctionengine/internal/service"
)

// wsReplayLimit is how many stream entries a websocket client receives when
// it subscribes to an auction channel.
const wsReplayLimit = 100

// engine holds the auction components built on top of Dependencies.
type engine struct {
	dispatcher *notify.Dispatcher
	ledger     *auction.Ledger
	lifecycle  *auction.Lifecycle
	service    *service.AuctionService
}

func (a *App) buildEngine(deps *Dependencies) *engine {
	cfg := a.cfg
	clock := auction.NewClock(time.Now)
	ids := auction.NewIDs()

	dispatcher := notify.NewDispatcher(deps.Events, deps.Auctions, deps.Watches, deps.Outlets, notify.DispatcherConfig{
		QueueSize:      cfg.Dispatcher.QueueSize,
		Workers:        cfg.Dispatcher.Workers,
		SweepInterval:  cfg.Dispatcher.SweepInterval.Duration,
		RedeliverAfter: cfg.Dispatcher.RedeliverAfter.Duration,
		SweepBatch:     cfg.Dispatcher.SweepBatch,
		DedupTTL:       cfg.Dispatcher.DedupTTL.Duration,
	}, a.logger)

	ledgerOpts := []auction.LedgerOption{auction.WithIDs(ids)}
	if deps.LockManager != nil {
		ledgerOpts = append(ledgerOpts, auction.WithDistributedLock(deps.LockManager))
	}
	if deps.Snapshots != nil {
		ledgerOpts = append(ledgerOpts, auction.WithSnapshotCache(deps.Snapshots))
	}
	// Only a lone full-mode replica writes every auction itself.
	if cfg.Mode == "full" && !cfg.Engine.DistributedLock {
		ledgerOpts = append(ledgerOpts, auction.WithLocalReads())
	}
	ledger := auction.NewLedger(deps.Auctions, dispatcher, clock, auction.LedgerConfig{
		Increments:   cfg.Engine.DefaultIncrements.Normalize(),
		MaxRetries:   cfg.Engine.MaxCommitRetries,
		RetryBackoff: cfg.Engine.RetryBackoff.Duration,
		LockTTL:      cfg.Engine.LockTTL.Duration,
		LockWait:     cfg.Engine.LockWait.Duration,
	}, a.logger, ledgerOpts...)

	lifecycleOpts := []auction.LifecycleOption{
		auction.WithAudit(deps.Audit),
		auction.WithAlerts(deps.Notifier),
	}
	if deps.Payments != nil {
		lifecycleOpts = append(lifecycleOpts, auction.WithPayments(deps.Payments))
	}
	if deps.Archiver != nil {
		lifecycleOpts = append(lifecycleOpts, auction.WithArchiver(deps.Archiver))
	}
	lifecycle := auction.NewLifecycle(ledger, deps.Auctions, clock, auction.LifecycleConfig{
		TickInterval: cfg.Engine.TickInterval.Duration,
		BatchSize:    cfg.Engine.SweepBatch,
	}, a.logger, lifecycleOpts...)

	var bidLimit *service.BidRateLimit
	if deps.RateLimiter != nil && cfg.Server.BidRateLimit > 0 {
		bidLimit = &service.BidRateLimit{
			Limiter: deps.RateLimiter,
			Limit:   cfg.Server.BidRateLimit,
			Window:  cfg.Server.BidRateWindow.Duration,
		}
	}
	svc := service.NewAuctionService(ledger, lifecycle, deps.Auctions, deps.Events, deps.Watches,
		clock, ids, bidLimit, a.logger)

	return &engine{dispatcher: dispatcher, ledger: ledger, lifecycle: lifecycle, service: svc}
}

// FullMode runs everything in one process: the dispatcher, the lifecycle
// driver and, when enabled, the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, eng *engine) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.dispatcher.Run(ctx) })
	g.Go(func() error { return eng.lifecycle.Run(ctx) })
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// APIMode serves bids and queries without driving deadlines. Auctions
// reaching Closing wait for a scheduler replica.
func (a *App) APIMode(ctx context.Context, deps *Dependencies, eng *engine) error {
	a.logger.InfoContext(ctx, "starting api mode")
	if !a.cfg.Server.Enabled {
		return fmt.Errorf("api mode: server is disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.dispatcher.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// SchedulerMode drives auction deadlines and settlement and redelivers the
// outbox. It serves no HTTP.
func (a *App) SchedulerMode(ctx context.Context, eng *engine) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.dispatcher.Run(ctx) })
	g.Go(func() error { return eng.lifecycle.Run(ctx) })
	return g.Wait()
}

// startHTTPServer adds the HTTP server, and the websocket hub when a signal
// bus is wired, to g. The server shuts down gracefully when ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	startedAt := time.Now().UTC()

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:        a.cfg.Mode,
			StartedAt:   startedAt,
			ReplayLimit: wsReplayLimit,
		})
		g.Go(func() error { return hub.Run(ctx) })
	} else {
		a.logger.WarnContext(ctx, "no signal bus configured; websocket endpoint disabled")
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.APIRateLimit,
		RateWindow:  a.cfg.Server.BidRateWindow.Duration,
	}
	if deps.RateLimiter != nil {
		srvCfg.RateLimiter = deps.RateLimiter
	}
	srv := server.NewServer(srvCfg, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, startedAt, eng.ledger, func() any { return eng.dispatcher.Stats() }),
		Auctions: handler.NewAuctionHandler(eng.service, a.logger),
		Bids:     handler.NewBidHandler(eng.service, a.logger),
		Watches:  handler.NewWatchHandler(eng.service, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "HTTP server configured",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("websocket", hub != nil),
		slog.Bool("auth", a.cfg.Server.APIKey != ""),
	)
}
