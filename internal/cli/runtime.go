package cli

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/schoolsync/internal/config"
	"github.com/agentworkforce/schoolsync/internal/reconcile"
	"github.com/agentworkforce/schoolsync/internal/records"
	"github.com/agentworkforce/schoolsync/internal/recordstore"
)

// runtime is the store and engine shared by every command.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	store    records.Store
	engine   *reconcile.Engine
	registry *prometheus.Registry
}

// loadConfig layers the global flags over the file and environment config.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if dsn := strings.TrimSpace(opts.DSN); dsn != "" {
		cfg.DSN = dsn
	}
	if table := strings.TrimSpace(opts.Table); table != "" {
		cfg.Table = table
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Log.Level = level
	} else if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func storeOptions(cfg config.Config, logger *slog.Logger) recordstore.Options {
	return recordstore.Options{
		Table:             cfg.Table,
		Schema:            cfg.Schema,
		FeedBuffer:        cfg.Store.FeedBuffer,
		OperationTimeout:  cfg.Store.OperationTimeout,
		Logger:            logger,
		APIKey:            cfg.APIKey,
		RequestsPerSecond: cfg.Store.RequestsPerSecond,
		EventsPerSecond:   cfg.Store.EventsPerSecond,
		Heartbeat:         cfg.Store.Heartbeat,
	}
}

// openRuntime loads config, opens the record store and builds an engine over
// it. Diagnostics go to logOut.
func openRuntime(opts *RootOptions, logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := newLogger(cfg, logOut)
	dsn, err := cfg.StoreDSN()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	store, err := recordstore.OpenFromDSN(dsn, storeOptions(cfg, logger.With("component", "store")))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open record store", err)
	}
	registry := prometheus.NewRegistry()
	engine := reconcile.New(store, reconcile.Options{
		Logger:  logger.With("component", "engine"),
		Metrics: reconcile.NewMetrics(registry),
	})
	logger.Debug("record store opened", "table", cfg.Table, "profile", cfg.Profile)
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   engine,
		registry: registry,
	}, nil
}

func (r *runtime) Close() {
	r.engine.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("error closing record store", "error", err)
	}
}

// mutationExitError maps engine errors to exit codes: rejected input is a
// command error, anything the backend refused is a failure.
func mutationExitError(message string, err error) error {
	if errors.Is(err, records.ErrNameRequired) || errors.Is(err, records.ErrInvalidInput) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
