package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agenthub/internal/agentcall"
	"agenthub/internal/config"
	"agenthub/internal/crypto"
	"agenthub/internal/guard"
	"agenthub/internal/metrics"
	"agenthub/internal/server"
	"agenthub/internal/session"
	"agenthub/internal/storage"
	"agenthub/internal/storage/sqlstore"
	"agenthub/internal/storage/supastore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_backend", cfg.DB.Backend).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting agenthub")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store storage.Store
	switch cfg.DB.Backend {
	case config.BackendSupabase:
		store, err = supastore.New(cfg.DB.SupabaseURL, cfg.DB.SupabaseKey)
	default:
		store, err = sqlstore.Open(ctx, cfg.DB.Backend, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	controller := session.NewController(session.Config{
		Store:    store,
		Client:   agentcall.New(&http.Client{Timeout: cfg.HTTP.ClientTimeout}),
		Crypto:   cryptoManager,
		SendLock: guard.NewSendLock(rdb, cfg.Chat.SendLockTTL),
		Tracker:  session.NewTracker(cfg.Chat.SessionIdleTTL),
		Logger:   log.Logger,
		Metrics:  m,
		OnWarning: func(msg string) {
			log.Warn().Str("component", "session").Msg(msg)
		},
	})

	api := server.New(server.Config{
		Store:       store,
		Controller:  controller,
		Crypto:      cryptoManager,
		RateLimiter: guard.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Logger:      log.Logger,
		Metrics:     m,
		JWTSecret:   cfg.Auth.JWTSecret,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/api/", api.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
