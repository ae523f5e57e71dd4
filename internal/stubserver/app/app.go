package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aussiebroadwan/authclient/internal/stubserver"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
var BuildVersion = "v0.1.0"

// Application runs the stub server with graceful shutdown.
type Application struct {
	cfg    Config
	logger *slog.Logger

	stub         *stubserver.Server
	housekeeping *stubserver.Housekeeping
	server       *http.Server
}

func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "authstub",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	stubCfg := stubserver.Config{
		Issuer:        cfg.Issuer,
		Secret:        []byte(cfg.Secret),
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		RotateRefresh: cfg.RotateRefresh,
		CSRF:          cfg.CSRF || cfg.RequireCSRF,
		RequireCSRF:   cfg.RequireCSRF,
		Pepper:        cfg.Pepper,
		Logger:        app.logger,
	}
	if cfg.RateLimit > 0 {
		stubCfg.RateLimit = httpx.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit,
			Window:            time.Minute,
			Burst:             cfg.RateLimit,
		}
	}

	stub, err := stubserver.New(stubCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stub server: %w", err)
	}
	app.stub = stub

	if err := app.seedUsers(); err != nil {
		return nil, err
	}

	app.housekeeping = stubserver.NewHousekeeping(stub, app.logger, cfg.HousekeepingInterval)
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           stub,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return app, nil
}

// Stub exposes the underlying server for seeding and inspection.
func (app *Application) Stub() *stubserver.Server { return app.stub }

// Run blocks until a shutdown signal arrives or the listener fails.
func (app *Application) Run() error {
	ln, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case sig := <-shutdown:
			app.logger.Info("shutdown signal received", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return app.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.housekeeping.Start()
	app.logger.Info("auth stub starting", "addr", ln.Addr().String(), "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		app.housekeeping.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth stub...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	var shutdownErr error
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		shutdownErr = err
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeeping.Stop()

	app.logger.Info("auth stub stopped")
	return shutdownErr
}

func (app *Application) seedUsers() error {
	for _, entry := range app.cfg.SeedUsers {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid seed user %q: want email:password[:name]", entry)
		}
		name := ""
		if len(parts) == 3 {
			name = parts[2]
		}
		if _, err := app.stub.AddUser(parts[0], parts[1], name); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", parts[0], err)
		}
		app.logger.Info("seeded user", "email", parts[0])
	}
	return nil
}
