package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricepredict/internal/keeper"
	"github.com/alanyoungcy/pricepredict/internal/server"
	"github.com/alanyoungcy/pricepredict/internal/server/handler"
	"github.com/alanyoungcy/pricepredict/internal/server/ws"
	"github.com/alanyoungcy/pricepredict/internal/service"
)

const shutdownTimeout = 10 * time.Second

// services are the ledger-backed market services shared by every mode.
type services struct {
	env        *service.Env
	rounds     *service.RoundService
	stakes     *service.StakeService
	settlement *service.SettlementService
	claims     *service.ClaimService
}

func (a *App) buildServices(deps *Dependencies) *services {
	env := &service.Env{
		Ledger: deps.Ledger,
		Params: deps.Params,
		Owner:  deps.Owner,
		Clock:  a.now,
		Events: service.NewBroadcaster(deps.SignalBus, deps.RoundCache, deps.Notifier, a.logger),
		Logger: a.logger,
	}
	return &services{
		env:        env,
		rounds:     service.NewRoundService(env, deps.RoundCache),
		stakes:     service.NewStakeService(env, deps.Inputs),
		settlement: service.NewSettlementService(env, deps.Verifier, deps.Codec, deps.Decryptor, deps.BlobWriter, deps.BlobReader),
		claims:     service.NewClaimService(env),
	}
}

// ServerMode serves the HTTP API and, when an event bus is wired, the
// WebSocket event stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	return ignoreCanceled(g.Wait())
}

// KeeperMode runs the settlement keeper alone.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps, a.buildServices(deps))
	return ignoreCanceled(g.Wait())
}

// FullMode runs the HTTP API, the WebSocket hub and the keeper in one
// process over the same services.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startKeeper(ctx, g, deps, svcs)
	return ignoreCanceled(g.Wait())
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	k := keeper.New(keeper.Config{
		Interval:        a.cfg.Keeper.Interval.Duration,
		ArchiveInterval: a.cfg.Keeper.ArchiveInterval.Duration,
		LockTTL:         a.cfg.Keeper.LockTTL.Duration,
		AutoSweep:       a.cfg.Keeper.AutoSweep,
	}, keeper.Deps{
		Owner:      deps.Owner,
		Rounds:     svcs.rounds,
		Settlement: svcs.settlement,
		Claims:     svcs.claims,
		Decryptor:  deps.Decryptor,
		Oracle:     deps.Oracle,
		Locks:      deps.LockManager,
		Archiver:   deps.Archiver,
		Alerter:    deps.Notifier,
		Clock:      a.now,
	}, a.logger)

	g.Go(func() error {
		return k.Run(ctx)
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Params, deps.Owner.Hex(), deps.HealthChecks, a.logger),
		Rounds:      handler.NewRoundHandler(svcs.rounds, a.logger),
		Predictions: handler.NewPredictionHandler(svcs.stakes, a.logger),
		Settlement:  handler.NewSettlementHandler(svcs.settlement, svcs.rounds, deps.Oracle, a.logger),
		Claims:      handler.NewClaimHandler(svcs.claims, a.logger),
		Accounts:    handler.NewAccountHandler(svcs.rounds, a.logger),
	}
	if deps.LocalKMS != nil {
		handlers.Encrypt = handler.NewEncryptHandler(deps.LocalKMS, a.logger)
	}

	// WebSocket hub requires the Redis signal bus.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, service.EventsChannel, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, server.Backends{
		Hub:     hub,
		Limiter: deps.RateLimiter,
		Replay:  deps.ReplayGuard,
	}, a.now, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) logDeps(ctx context.Context, deps *Dependencies) {
	a.logger.InfoContext(ctx, "app: dependencies wired",
		slog.String("ledger", a.cfg.Ledger.Backend),
		slog.String("fhe", a.cfg.FHE.Backend),
		slog.String("owner", deps.Owner.Hex()),
		slog.Bool("owner_key", deps.OwnerSigner != nil),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.BlobWriter != nil),
		slog.Bool("oracle", deps.Oracle != nil),
	)
}
