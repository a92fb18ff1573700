package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"cjtronics/relay/internal/backend"
	"cjtronics/relay/internal/config"
	"cjtronics/relay/internal/httpapi"
	"cjtronics/relay/internal/journal"
)

const shutdownGrace = 5 * time.Second

func main() {
	// A .env file is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrap.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "relay").
		Logger()

	backendClient := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, logger)

	var traffic *journal.Journal
	if cfg.JournalDir != "" {
		j, manifest, err := journal.Open(cfg.JournalDir, nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open traffic journal")
		}
		traffic = j
		defer traffic.Close()
		logger.Info().Str("dir", j.Directory()).Str("created_at", manifest.CreatedAt).Msg("traffic journal enabled")
	}

	relay := NewRelay(cfg, logger, backendClient, traffic)

	mux := http.NewServeMux()
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   relay,
		Stats:       relay.Stats,
		Journal:     traffic,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewFixedWindowLimiter(cfg.JournalFlushWindow, cfg.JournalFlushBurst, nil),
	})
	handlers.Register(mux)
	mux.HandleFunc("/", relay.ServeWS)

	server := &http.Server{Addr: cfg.Address, Handler: mux}
	tlsEnabled := cfg.TLSCertPath != ""

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("url", listenerURL(cfg.Address, tlsEnabled)).Msg("relay listening")
		if tlsEnabled {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			relay.SetStartupError(err)
			logger.Error().Err(err).Msg("listener failed")
		}
	case sig := <-stop:
		// No connection drain protocol: in-memory state is simply abandoned.
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	if err := traffic.Flush(); err != nil {
		logger.Warn().Err(err).Msg("final journal flush failed")
	}
}
