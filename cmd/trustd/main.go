// Command trustd serves the trust query API as a standalone daemon.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/templatetrust/internal/api"
	"github.com/org/templatetrust/internal/app"
	"github.com/org/templatetrust/internal/auth"
	"github.com/org/templatetrust/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if v := os.Getenv("TEMPLATETRUST_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Server.APIToken == "" {
		log.Fatal().Msg("server.api_token must be configured (or TEMPLATETRUST_API_TOKEN env var)")
	}
	tokens, err := auth.NewTokenVerifier(cfg.Server.APIToken)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid API token")
	}

	ctx := context.Background()

	// The daemon never prompts; unknown creators get the configured default.
	a, err := app.Open(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open trust store")
	}
	defer a.Close()

	st, err := a.Trust.Stats(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store.Path).Msg("trust store unreadable")
	}
	log.Info().Int("entries", st.Total).Str("store", cfg.Store.Path).Msg("trust store loaded")

	srv := api.NewServer(a.Guard, a.Audit, tokens, a.Metrics, api.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		TLSCertFile: cfg.Server.TLSCertFile,
		TLSKeyFile:  cfg.Server.TLSKeyFile,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if err := a.FlushMetrics(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("writing metrics textfile")
	}
	log.Info().Msg("server stopped")
}
