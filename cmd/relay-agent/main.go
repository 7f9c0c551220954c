// tabrelay - browser connection and capture relay agent
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/tabrelay/internal/agent"
	"github.com/ashureev/tabrelay/internal/browser"
	"github.com/ashureev/tabrelay/internal/config"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/middleware"
	"github.com/ashureev/tabrelay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting relay agent", "control_addr", cfg.ControlAddr, "ingest_mode", cfg.IngestMode)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	settings, err := loadSettings(context.Background(), repo, cfg)
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	live := config.NewLive(settings)

	host, err := browser.NewHost(cfg.Browser, logger.With("component", "browser"))
	if err != nil {
		slog.Error("Failed to connect to browser", "error", err)
		os.Exit(1)
	}
	defer host.Close()
	slog.Info("Browser connected", "remote", cfg.Browser.CDPURL != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayAgent := agent.New(cfg, live, repo, host, logger)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	relayAgent.Handler().RegisterRoutes(r)

	srv := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	relayAgent.Start(ctx)

	go func() {
		slog.Info("Control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relayAgent.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Agent stopped successfully")
}

// loadSettings prefers stored settings over the environment. On first run
// the environment settings are stored.
func loadSettings(ctx context.Context, repo store.Repository, cfg *config.Config) (domain.Settings, error) {
	stored, err := repo.LoadSettings(ctx)
	if err == nil {
		if verr := stored.Validate(); verr == nil {
			slog.Info("Using stored settings", "server", stored.Addr())
			return stored, nil
		}
		slog.Warn("Stored settings invalid, falling back to environment")
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Settings{}, err
	}

	if err := repo.SaveSettings(ctx, cfg.Settings); err != nil {
		return domain.Settings{}, err
	}
	return cfg.Settings, nil
}
