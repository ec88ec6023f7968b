// Package app wires storage, the engine, broadcast sinks, background jobs
// and the HTTP server into one running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetwatch/internal/broadcast"
	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/jobs"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/server"
	"fleetwatch/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App holds the long-lived components of a fleetwatch process.
type App struct {
	Config *config.Config
	DB     *db.DB
	Engine engine.Engine
	Logger *slog.Logger

	redis *redis.Client
}

// Open connects to the configured database, applies migrations, reconciles
// the seq counter and builds the engine. A configured Redis address adds a
// Redis broadcast sink.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("migrations applied", "count", applied, "dialect", conn.Dialect)
	}

	e, err := engine.New(conn, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	e = e.WithLogger(logger)
	head, err := e.Reconcile(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	sinks := broadcast.Multi{}
	if addr := cfg.Broadcast.Redis.Addr; addr != "" {
		client, err := broadcast.NewRedisClient(ctx, addr, cfg.Broadcast.Redis.Password)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		sinks = append(sinks, broadcast.Logged{
			Name:   "redis",
			Sink:   broadcast.Redis{Client: client, Prefix: cfg.Broadcast.Redis.ChannelPrefix},
			Logger: logger,
		})
	}
	if len(sinks) > 0 {
		e.Sink = sinks
	}
	a.Engine = e
	logger.Debug("store ready", "dialect", conn.Dialect, "head", head)
	return a, nil
}

// Close releases the database and broadcast connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Serve runs the HTTP API, the scheduler and webhook relay until ctx is
// cancelled, then shuts them down. ready, when non-nil, receives the bound
// listener address.
func (a *App) Serve(ctx context.Context, ready chan<- string) error {
	shutdownTraces, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.Config.Telemetry.ServiceName,
		Stdout:      a.Config.Telemetry.StdoutTraces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTraces(sctx); err != nil {
			a.Logger.Warn("trace shutdown failed", "err", err)
		}
	}()

	sched := &jobs.Scheduler{Logger: a.Logger}
	fleet, err := jobs.Register(sched, a.Engine)
	if err != nil {
		return err
	}
	handler, err := server.New(server.Config{
		Engine:    a.Engine,
		BasePath:  a.Config.Server.BasePath,
		Logger:    a.Logger,
		Snapshots: fleet,
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.Server.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched.Start(ctx)
	defer func() {
		cancel()
		sched.Wait()
	}()

	if relay := server.NewWebhookRelay(a.Engine, a.Config.Webhooks, a.Logger); relay != nil {
		go relay.Run(ctx)
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	a.Logger.Info("listening", "addr", ln.Addr().String(), "base_path", a.Config.Server.BasePath)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.Logger.Info("server stopped")
	return nil
}
