package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"fieldtask/internal/api"
	"fieldtask/internal/auth"
	"fieldtask/internal/config"
	"fieldtask/internal/core"
	"fieldtask/internal/logging"
	fieldtaskmcp "fieldtask/internal/mcp"
	"fieldtask/internal/monitor"
	"fieldtask/internal/notify"
	"fieldtask/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp and both modes.
	logOut := os.Stdout
	if cfg.Server.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	location := cfg.Location()
	engineOpts := []core.Option{
		core.WithLogger(logger),
		core.WithCompletionPolicy(cfg.Engine.CompletionPolicy),
	}
	if cfg.Engine.ConflictRetries > 0 {
		engineOpts = append(engineOpts, core.WithConflictRetries(cfg.Engine.ConflictRetries))
	}
	engine := core.NewEngine(storeInst, engineOpts...)
	logger.Info("engine ready", "state_dir", cfg.StateDir, "manual_completion", engine.Policy())

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	overdue, err := startMonitor(ctx, cfg, engine, logger, location)
	if err != nil {
		logger.Error("start overdue monitor", "err", err)
		os.Exit(1)
	}

	mcpServer := fieldtaskmcp.NewMCPServer(engine, logger, location)

	switch cfg.Server.Mode {
	case "http":
		runHTTPMode(cfg, engine, mcpServer, overdue, logger, location)
	case "mcp":
		runMCPMode(mcpServer, logger, cancel)
	case "both":
		runBothMode(cfg, engine, mcpServer, overdue, logger, location)
	}

	if overdue != nil {
		stopCtx := overdue.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(cfg.ShutdownGrace):
			logger.Warn("overdue monitor stop timed out")
		}
	}
	logger.Info("shutdown complete")
}

func startMonitor(ctx context.Context, cfg *config.Config, engine *core.Engine, logger *slog.Logger, location *time.Location) (*monitor.Monitor, error) {
	if !cfg.Monitor.Enabled {
		return nil, nil
	}
	var notifier notify.Notifier = &notify.NoOpNotifier{}
	switch {
	case cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL == "":
		logger.Warn("bark notifications enabled without FIELDTASK_BARK_URL, overdue tasks are only logged")
	case cfg.Notification.Bark.Enabled:
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return nil, err
		}
		notifier = bark
	}
	m, err := monitor.New(engine, notifier, logger, location, cfg.Monitor.Schedule)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func newAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	switch {
	case cfg.Auth.JWTSecret != "":
		return auth.NewHMAC([]byte(cfg.Auth.JWTSecret), cfg.Auth.Audience, cfg.Auth.Issuer), nil
	case cfg.Auth.JWKSURL != "":
		jwks, err := auth.FetchJWKS(cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh, func(err error) {
			logger.Warn("refresh jwks", "err", err)
		})
		if err != nil {
			return nil, err
		}
		return auth.NewJWKS(jwks, cfg.Auth.Audience, cfg.Auth.Issuer), nil
	default:
		logger.Warn("no token verification configured, trusting X-Actor-Id headers")
		return nil, nil
	}
}

func newDeduper(cfg *config.Config, logger *slog.Logger) (api.Deduper, func(), error) {
	if cfg.Redis.URL == "" {
		return api.NoopDeduper{}, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	rc := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, idempotency checks will fail open", "err", err)
	}
	return api.NewRedisDeduper(rc, cfg.Redis.DedupeTTL), func() { _ = rc.Close() }, nil
}

func newHTTPServer(cfg *config.Config, engine *core.Engine, mcpServer *fieldtaskmcp.MCPServer, overdue *monitor.Monitor, logger *slog.Logger, location *time.Location) (*api.Server, func(), error) {
	authn, err := newAuthenticator(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	deduper, closeDeduper, err := newDeduper(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	schedule := ""
	if overdue != nil {
		schedule = overdue.Spec()
	}
	server, err := api.NewServer(api.Options{
		Addr:        cfg.Server.Addr,
		Engine:      engine,
		Auth:        authn,
		Deduper:     deduper,
		MCP:         mcpServer.HTTPHandler(),
		Logger:      logger,
		Location:    location,
		OverdueCron: schedule,
	})
	if err != nil {
		closeDeduper()
		return nil, nil, err
	}
	return server, closeDeduper, nil
}

// runHTTPMode serves the HTTP API, with MCP mounted at /mcp.
func runHTTPMode(cfg *config.Config, engine *core.Engine, mcpServer *fieldtaskmcp.MCPServer, overdue *monitor.Monitor, logger *slog.Logger, location *time.Location) {
	server, cleanup, err := newHTTPServer(cfg, engine, mcpServer, overdue, logger, location)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode serves MCP over stdio only.
func runMCPMode(mcpServer *fieldtaskmcp.MCPServer, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
	}
}

// runBothMode serves MCP over stdio next to the HTTP API.
func runBothMode(cfg *config.Config, engine *core.Engine, mcpServer *fieldtaskmcp.MCPServer, overdue *monitor.Monitor, logger *slog.Logger, location *time.Location) {
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, cleanup, err := newHTTPServer(cfg, engine, mcpServer, overdue, logger, location)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}
