// The relay server: accepts agent turns over HTTP, streams them back as
// SSE or WebSocket events, and records run lifecycle bookkeeping.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/threadline/relay/internal/auth"
	"github.com/threadline/relay/internal/config"
	"github.com/threadline/relay/internal/costcontrol"
	"github.com/threadline/relay/internal/evals"
	"github.com/threadline/relay/internal/monitoring"
	"github.com/threadline/relay/internal/ratelimit"
	"github.com/threadline/relay/internal/relay"
	"github.com/threadline/relay/internal/runstore"
	"github.com/threadline/relay/internal/runtime"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "relay.yaml", "path to config file")
	flag.Parse()

	// .env is optional; env vars override the config file either way.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("relay exited")
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
}

func run(cfg *config.Config) error {
	validator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var recorder relay.Recorder
	var health func(ctx context.Context) error
	var dispatcher *evals.Dispatcher
	if cfg.Store.Enabled {
		store, err := runstore.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("runstore: %w", err)
		}
		defer func() { _ = store.Close() }()
		recorder = store
		health = store.Ping
		if len(cfg.Evals.Scorers) > 0 {
			dispatcher = evals.NewDispatcher(evals.BuiltinRegistry(), store)
		}
		log.Info().Str("path", cfg.Store.Path).Msg("run store ready")
	} else {
		recorder = relay.NopRecorder{}
		log.Warn().Msg("run store disabled, turns will not be recorded")
	}

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.Enabled,
		LogPath:     cfg.Monitoring.LogPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tracker.Close() }()

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Window,
			ratelimit.WithMaxKeys(config.MaxRateLimitKeys))
	}

	costs := costcontrol.NewAggregator()
	orch := relay.NewOrchestrator(runtime.NewClient(cfg.Runtime), recorder, relay.Options{
		Limiter:      limiter,
		MaxPerWindow: cfg.RateLimit.MaxPerWindow,
		Pricing:      costcontrol.StaticLookup{},
		Costs:        costs,
		Dispatcher:   dispatcher,
		Scorers:      cfg.Evals.Scorers,
		Metrics:      monitoring.NewMetricsCollector(),
		Telemetry:    tracker,
		IdleTimeout:  cfg.Stream.IdleTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      relay.NewServer(orch, validator, health).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("runtime", cfg.Runtime.URL).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return nil
}
