package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eddisonso.com/litfinder/internal/activity"
	"eddisonso.com/litfinder/internal/api"
	"eddisonso.com/litfinder/internal/auth"
	"eddisonso.com/litfinder/internal/config"
	"eddisonso.com/litfinder/internal/coordinator"
	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/store"
	"eddisonso.com/litfinder/internal/store/memstore"
	"eddisonso.com/litfinder/internal/store/natskv"
	"eddisonso.com/litfinder/internal/store/sqlstore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// run serves until SIGINT or SIGTERM. Startup failures are returned.
func run(args []string) error {
	fs := flag.NewFlagSet("litfinder", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	addr := fs.String("addr", "", "HTTP listen address (overrides config)")
	backend := fs.String("store", "", "Store backend: memory, nats, postgres or sqlite (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.SetDefault(newLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	validator, err := auth.NewValidator(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	opts := coordinator.Options{
		ClearLocationOnStop: cfg.Presence.ClearOnStop,
		NearbyRadiusKm:      cfg.Presence.NearbyRadiusKm,
	}
	if cfg.Activity.Enabled {
		publisher, err := activity.NewPublisher(cfg.Store.NatsURL, cfg.Activity.Source)
		if err != nil {
			slog.Warn("failed to connect to NATS, activity will not be published", "error", err)
		} else {
			defer publisher.Close()
			opts.Activity = publisher
			slog.Info("publishing activity", "stream", activity.StreamName)
		}
	}

	handler := api.NewHandler(metrics.InstrumentStore(st), validator, opts, cfg.Server.AllowedOrigins)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler.CORSMiddleware(api.LogRequests(mux)),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// No WriteTimeout: live connections set per-frame deadlines.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	slog.Info("litfinder listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		slog.Warn("using the in-memory store, data is lost on restart")
		return memstore.New(), func() {}, nil

	case config.BackendNATS:
		codec, err := store.CodecByName(cfg.Codec)
		if err != nil {
			return nil, nil, err
		}
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := natskv.Open(openCtx, natskv.Config{
			NatsURL:  cfg.NatsURL,
			Bucket:   cfg.Bucket,
			Codec:    codec,
			Replicas: cfg.Replicas,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendPostgres, config.BackendSQLite:
		driver, dsn := sqlstore.Postgres, cfg.DatabaseURL
		if cfg.Backend == config.BackendSQLite {
			driver, dsn = sqlstore.SQLite, cfg.SQLitePath
		}
		s, err := sqlstore.Open(driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
