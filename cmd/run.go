// Package cmd implements the driftwall subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/driftwall/internal/cloud"
	"grimm.is/driftwall/internal/config"
	"grimm.is/driftwall/internal/discovery"
	"grimm.is/driftwall/internal/logging"
	"grimm.is/driftwall/internal/metrics"
	"grimm.is/driftwall/internal/scheduler"
	"grimm.is/driftwall/internal/store"
	"grimm.is/driftwall/internal/sync"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// cycleTimeout bounds one full update cycle, remote calls included.
const cycleTimeout = 5 * time.Minute

// RunOnce executes a single update cycle and returns the process exit code.
func RunOnce(configPath string, dryRun bool) int {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		logging.Error("startup failed", "error", err)
		return 1
	}

	st, pipeline, err := buildPipeline(cfg, logger, dryRun)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	results, err := pipeline.Run(ctx)
	if err != nil {
		logger.Error("cycle failed", "error", err)
		return 1
	}
	if sync.CountFailed(results) > 0 {
		return 1
	}
	return 0
}

// RunDaemon runs update cycles on the configured interval until the process
// receives SIGINT or SIGTERM.
func RunDaemon(configPath string) int {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		logging.Error("startup failed", "error", err)
		return 1
	}

	st, pipeline, err := buildPipeline(cfg, logger, false)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer st.Close()

	if cfg.MetricsListen != "" {
		go func() {
			logger.Info("metrics listener starting", "addr", cfg.MetricsListen)
			if err := metrics.Serve(cfg.MetricsListen); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	sched := scheduler.New(logger)
	err = sched.AddTask(&scheduler.Task{
		ID:         "update-cycle",
		Name:       "firewall update cycle",
		Schedule:   scheduler.Every(time.Duration(cfg.IntervalMinutes) * time.Minute),
		RunOnStart: true,
		Timeout:    cycleTimeout,
		Func: func(ctx context.Context) error {
			results, err := pipeline.Run(ctx)
			if err != nil {
				return err
			}
			if n := sync.CountFailed(results); n > 0 {
				return fmt.Errorf("%d of %d firewalls failed", n, len(results))
			}
			return nil
		},
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	sched.Start()
	logger.Info("driftwall started", "version", Version,
		"interval_minutes", cfg.IntervalMinutes, "firewalls", len(cfg.Firewalls))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	sched.Stop()
	return 0
}

// PrintVersion writes the version to stdout.
func PrintVersion() {
	fmt.Printf("driftwall %s\n", Version)
}

func loadConfig(path string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:  parseLevel(cfg.LogLevel),
		Output: os.Stderr,
	})
	logging.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func buildPipeline(cfg *config.Config, logger *logging.Logger, dryRun bool) (*store.SQLiteStore, *sync.Pipeline, error) {
	st, err := store.Open(store.Options{Path: cfg.StorePath})
	if err != nil {
		return nil, nil, err
	}

	resolver := discovery.New(logger, discovery.WithProviders(cfg.Providers()))
	client := cloud.NewHTTPClient(cfg.API.Endpoint, cloud.WithToken(cfg.API.Token))
	orch := sync.NewOrchestrator(client, logger, dryRun)
	pipeline := sync.NewPipeline(resolver, st, orch, cfg.Firewalls, logger)
	return st, pipeline, nil
}
