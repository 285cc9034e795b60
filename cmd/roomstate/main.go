package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/roomstate/internal/httpapi"
	"github.com/agentworkforce/roomstate/internal/roomstate"
)

func main() {
	// A missing .env file is fine; real deployments set the environment.
	_ = godotenv.Load()

	logger := newLogger(os.Stderr)
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("roomstate stopped")
	}
}

func run(logger zerolog.Logger) error {
	addr := os.Getenv("ROOMSTATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		return fmt.Errorf("initialize state backend: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	store := roomstate.NewStoreWithOptions(roomstate.StoreOptions{
		StateBackend: stateBackend,
		Logger:       &logger,
		Metrics:      roomstate.NewMetrics(registry),
	})
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing state backend")
		}
	}()
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		RateLimitMax:        intEnv(logger, "ROOMSTATE_RATE_LIMIT_MAX", 0),
		RateLimitWindow:     durationEnv(logger, "ROOMSTATE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:        int64Env(logger, "ROOMSTATE_MAX_BODY_BYTES", 0),
		WatchOriginPatterns: listEnv("ROOMSTATE_WATCH_ORIGINS"),
		WatchPingInterval:   durationEnv(logger, "ROOMSTATE_WATCH_PING_INTERVAL", 30*time.Second),
		Registry:            registry,
		Logger:              &logger,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("backend", store.BackendName()).Msg("roomstate listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv(logger, "ROOMSTATE_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newLogger builds the process logger from ROOMSTATE_LOG_FORMAT (json or
// console) and ROOMSTATE_LOG_LEVEL.
func newLogger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("ROOMSTATE_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ROOMSTATE_LOG_FORMAT")), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "roomstate").Logger()
}

func intEnv(logger zerolog.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().Str("env", name).Str("value", raw).Int("fallback", fallback).Msg("invalid environment value; using fallback")
		return fallback
	}
	return value
}

func int64Env(logger zerolog.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn().Str("env", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid environment value; using fallback")
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("env", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid environment value; using fallback")
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func buildStateBackendFromEnv() (roomstate.StateBackend, error) {
	profileDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("ROOMSTATE_STATE_BACKEND_DSN"))
	stateDir := strings.TrimSpace(os.Getenv("ROOMSTATE_STATE_DIR"))
	switch {
	case stateBackendDSN != "":
		return roomstate.BuildStateBackendFromDSN(stateBackendDSN)
	case stateDir != "":
		return roomstate.BuildStateBackendFromDSN(stateDir)
	case profileDSN != "":
		return roomstate.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ROOMSTATE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("ROOMSTATE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".roomstate"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("ROOMSTATE_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("ROOMSTATE_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("ROOMSTATE_PRODUCTION_DSN or ROOMSTATE_POSTGRES_DSN is required when ROOMSTATE_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file:" + filepath.Join(dataDir, "state"), nil
	default:
		return "", fmt.Errorf("unsupported ROOMSTATE_BACKEND_PROFILE: %s", profile)
	}
}
