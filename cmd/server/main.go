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

	"github.com/jonboulle/clockwork"

	"github.com/nfehr/auxroom/internal/archive"
	"github.com/nfehr/auxroom/internal/config"
	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/httpserver"
	"github.com/nfehr/auxroom/internal/logging"
	"github.com/nfehr/auxroom/internal/redisstore"
	"github.com/nfehr/auxroom/internal/relay"
	"github.com/nfehr/auxroom/internal/session"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *redisstore.Client {
	client, err := redisstore.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		slog.Error("Redis ping failed", "error", err)
		os.Exit(1)
	}
	return client
}

// setupArchive connects the Postgres archive when DATABASE_URL is set. The
// archive is optional: without it sessions still run, ended sessions are
// simply not retained beyond the store TTL.
func setupArchive(cfg *config.Config) *archive.Repo {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, past session archive disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := archive.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := archive.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return archive.NewRepo(pool)
}

func runGracefulShutdown(srv *httpserver.Server, registry *session.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		registry.StopAll()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	store := redisstore.NewStore(redisClient)
	registry := session.NewRegistry()

	var backend domain.PlaybackBackend
	if cfg.PlayerRelayURL != "" {
		backend = relay.New(cfg.PlayerRelayURL, clock)
		slog.Info("Player relay enabled", "url", cfg.PlayerRelayURL)
	}

	repo := setupArchive(cfg)

	deps := httpserver.Deps{
		Store:    store,
		Registry: registry,
		Backend:  backend,
		Pinger:   redisClient,
		Clock:    clock,
	}
	// Avoid a typed-nil interface when the archive is disabled.
	if repo != nil {
		deps.Archiver = repo
		deps.Past = repo
	}

	srv := httpserver.NewServer(cfg, deps)

	done := runGracefulShutdown(srv, registry)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
