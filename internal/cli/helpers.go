package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/abtest"
	"github.com/headline-goat/post-goat/internal/config"
	"github.com/headline-goat/post-goat/internal/logging"
	"github.com/headline-goat/post-goat/internal/metrics"
	"github.com/headline-goat/post-goat/internal/store"
)

// env is everything a command needs once the database is open.
type env struct {
	cfg      config.Config
	store    *store.SQLStore
	service  *abtest.Service
	registry *prometheus.Registry
	logger   *slog.Logger
}

// loadConfig layers explicit flags over the config file and environment.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("db") {
		cfg.DBDSN = o.dbDSN
	}
	if cmd.Flags().Changed("driver") {
		cfg.DBDriver = o.dbDriver
	}
	return cfg, cfg.Validate()
}

// withService opens the database, builds the service, executes the function,
// and handles cleanup.
func (o *rootOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if !o.verbose && cmd.Name() != "serve" {
		level = "warn"
	}
	logger := logging.New(cmd.ErrOrStderr(), level, cfg.LogFormat)

	s, err := store.OpenDriver(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e := &env{
		cfg:      cfg,
		store:    s,
		service:  abtest.NewService(s, cfg.Engine, logger, metrics.New(registry)),
		registry: registry,
		logger:   logger,
	}
	return fn(cmd.Context(), e)
}
