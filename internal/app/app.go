// Package app assembles the match server from its configuration using a
// samber/do container. Services are built lazily on first use and shut down
// in reverse dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/nfrund/tabletop/internal/config"
	"github.com/nfrund/tabletop/internal/database"
	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/games/dicecombat"
	"github.com/nfrund/tabletop/internal/match"
	"github.com/nfrund/tabletop/internal/presence"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/server"
	"github.com/nfrund/tabletop/internal/storage"
	"github.com/nfrund/tabletop/internal/storage/sqlite"
	"github.com/nfrund/tabletop/internal/telemetry"
	"github.com/nfrund/tabletop/internal/ugc"
)

// App is a fully wired match server.
type App struct {
	Manager *match.Manager
	Server  *server.Server
	Catalog *game.Catalog

	injector *do.RootScope
	cfg      *config.Config
	logger   *slog.Logger
}

// Option adjusts how an App is built.
type Option func(*options)

type options struct {
	fs afero.Fs
}

// WithFs replaces the OS filesystem used for rules and file snapshots.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// New builds every service cfg enables. ctx bounds the startup work only.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := &options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	i := do.New()
	do.ProvideValue(i, cfg)
	do.ProvideValue(i, logger)
	do.ProvideValue(i, o.fs)
	do.Provide(i, func(i do.Injector) (*tracing, error) { return provideTracing(ctx, i) })
	do.Provide(i, provideCatalog)
	do.Provide(i, provideRules)
	do.Provide(i, provideEventBus)
	do.Provide(i, func(i do.Injector) (*surreal, error) { return provideSurreal(ctx, i) })
	do.Provide(i, provideJournal)
	do.Provide(i, provideManager)
	do.Provide(i, providePresence)
	do.Provide(i, provideServer)

	srv, err := do.Invoke[*server.Server](i)
	if err != nil {
		i.Shutdown()
		return nil, err
	}
	return &App{
		Manager:  do.MustInvoke[*match.Manager](i),
		Server:   srv,
		Catalog:  do.MustInvoke[*game.Catalog](i),
		injector: i,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run restores stored matches and serves until ctx is done, then shuts
// down within the configured grace period.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Manager.RestoreAll(ctx)
	if err != nil {
		a.logger.Error("Failed to restore matches", "error", err)
	} else if n > 0 {
		a.logger.Info("Restored matches", "count", n)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start(a.cfg.ServerAddr) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	grace := a.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops every service the container built.
func (a *App) Shutdown(ctx context.Context) error {
	report := a.injector.ShutdownWithContext(ctx)
	if !report.Succeed {
		return fmt.Errorf("shutdown: %w", report)
	}
	a.logger.Info("Server shut down", "took", report.ShutdownTime)
	return nil
}

func provideTracing(ctx context.Context, i do.Injector) (*tracing, error) {
	cfg := do.MustInvoke[*config.Config](i)
	tracer, flush, err := telemetry.Setup(ctx, cfg.GetTracing())
	if err != nil {
		return nil, err
	}
	return &tracing{Tracer: tracer, flush: flush}, nil
}

func provideCatalog(do.Injector) (*game.Catalog, error) {
	catalog := game.NewCatalog()
	dc, err := dicecombat.New()
	if err != nil {
		return nil, err
	}
	if err := catalog.Register(dc, game.SourceBuiltin); err != nil {
		return nil, err
	}
	return catalog, nil
}

func provideRules(i do.Injector) (*rulesLibrary, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	fs := do.MustInvoke[afero.Fs](i)
	catalog, err := do.Invoke[*game.Catalog](i)
	if err != nil {
		return nil, err
	}

	if err := fs.MkdirAll(cfg.RulesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %w", err)
	}
	limits := ugc.GetDefaultLimits()
	limits.Timeout = cfg.ScriptTimeout
	limits.MaxAllocs = cfg.ScriptMaxAllocs
	limits.QuarantineAfter = cfg.ScriptQuarantineAfter

	lib := ugc.NewLibrary(fs, cfg.RulesDir, catalog, limits, logger.With("component", "rules"))
	if _, err := lib.LoadAll(); err != nil {
		return nil, err
	}

	watchCtx, stop := context.WithCancel(context.Background())
	if _, onDisk := fs.(*afero.OsFs); onDisk && cfg.WatchRules {
		if err := lib.Watch(watchCtx); err != nil {
			logger.Warn("Rules hot-reload disabled", "error", err)
		}
	}
	return &rulesLibrary{Library: lib, stop: stop}, nil
}

func provideEventBus(i do.Injector) (*eventBus, error) {
	logger := do.MustInvoke[*slog.Logger](i)
	tr, err := do.Invoke[*tracing](i)
	if err != nil {
		return nil, err
	}
	bridge := pubsub.NewWatermillBridge(pubsub.WithTracer(tr.Tracer), pubsub.WithLogger(logger))
	return &eventBus{WatermillBridge: bridge}, nil
}

func provideSurreal(ctx context.Context, i do.Injector) (*surreal, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	conn := database.NewConnection(cfg, logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}
	conn.StartMonitoring()
	return &surreal{Connection: conn}, nil
}

func provideJournal(i do.Injector) (*journal, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if dir := filepath.Dir(cfg.JournalPath); cfg.JournalPath != sqlite.InMemory && dir != "." {
		if err := do.MustInvoke[afero.Fs](i).MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	j, err := sqlite.Open(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	return &journal{Journal: j}, nil
}

func snapshotStore(i do.Injector, cfg *config.Config) (match.SnapshotStore, error) {
	switch cfg.Snapshots {
	case config.SnapshotsNone:
		return nil, nil
	case config.SnapshotsSurreal:
		conn, err := do.Invoke[*surreal](i)
		if err != nil {
			return nil, err
		}
		return database.NewSnapshotStore(conn.Connection), nil
	default:
		fs := do.MustInvoke[afero.Fs](i)
		return storage.NewFileStore(storage.NewAferoStore(fs), filepath.Join(cfg.DataDir, "snapshots")), nil
	}
}

func provideManager(i do.Injector) (*match.Manager, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	catalog, err := do.Invoke[*game.Catalog](i)
	if err != nil {
		return nil, err
	}
	tr, err := do.Invoke[*tracing](i)
	if err != nil {
		return nil, err
	}
	bus, err := do.Invoke[*eventBus](i)
	if err != nil {
		return nil, err
	}

	opts := []match.Option{
		match.WithPublisher(match.NewBusPublisher(bus.WatermillBridge)),
		match.WithTracer(tr.Tracer),
		match.WithLogger(logger),
		match.WithHistoryLimit(cfg.HistoryLimit),
		match.WithQueueSize(cfg.QueueSize),
	}
	snaps, err := snapshotStore(i, cfg)
	if err != nil {
		return nil, err
	}
	if snaps != nil {
		opts = append(opts, match.WithSnapshots(snaps))
	}
	if cfg.JournalPath != "" {
		j, err := do.Invoke[*journal](i)
		if err != nil {
			return nil, err
		}
		opts = append(opts, match.WithJournal(j.Journal))
	}
	return match.NewManager(catalog, opts...), nil
}

// providePresence skips the pending skippable prompt of a player whose last
// stream closed.
func providePresence(i do.Injector) (*presence.Service, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	manager, err := do.Invoke[*match.Manager](i)
	if err != nil {
		return nil, err
	}
	bus := do.MustInvoke[*eventBus](i)
	return presence.NewService(
		presence.WithOfflineDebounce(cfg.OfflineGrace),
		presence.WithPublisher(bus.WatermillBridge),
		presence.WithLogger(logger),
		presence.OnOffline(func(ctx context.Context, seat presence.Seat) {
			skipped, err := manager.Disconnect(ctx, seat.Match, seat.Player)
			if err != nil {
				logger.Warn("Failed to handle disconnect", "match", seat.Match, "player", seat.Player, "error", err)
				return
			}
			if skipped {
				logger.Info("Skipped prompt of disconnected player", "match", seat.Match, "player", seat.Player)
			}
		}),
	), nil
}

func provideServer(i do.Injector) (*server.Server, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	manager, err := do.Invoke[*match.Manager](i)
	if err != nil {
		return nil, err
	}
	rules, err := do.Invoke[*rulesLibrary](i)
	if err != nil {
		return nil, err
	}
	seats, err := do.Invoke[*presence.Service](i)
	if err != nil {
		return nil, err
	}
	bus := do.MustInvoke[*eventBus](i)
	tr := do.MustInvoke[*tracing](i)

	return server.New(server.Deps{
		Manager: manager,
		Catalog: do.MustInvoke[*game.Catalog](i),
		Events:  bus.WatermillBridge,
		Rules: &server.Rules{
			Store:    storage.NewAferoStore(do.MustInvoke[afero.Fs](i)),
			Dir:      cfg.RulesDir,
			Reloader: rules.Library,
		},
		Presence:       seats,
		Tracer:         tr.Tracer,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	}), nil
}
