package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/api"
	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/conductor"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/formula"
	"github.com/citadel-dev/citadel/internal/health"
	"github.com/citadel-dev/citadel/internal/pool"
	"github.com/citadel-dev/citadel/internal/queue"
	"github.com/citadel-dev/citadel/internal/registry"
	"github.com/citadel-dev/citadel/internal/runner"
	"github.com/citadel-dev/citadel/internal/tools"
)

func newStartCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the conductor, role pools, and API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runStart(cfg, cfgPath, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick then exit")
	return cmd
}

func configureLogger(logLevel, format string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// validateRuntimeReload rejects SIGHUP reloads that change settings
// wired in at startup.
func validateRuntimeReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if oldCfg.Queue.Path != newCfg.Queue.Path {
		return fmt.Errorf("queue.path changed (%q -> %q) and requires restart", oldCfg.Queue.Path, newCfg.Queue.Path)
	}
	if oldCfg.Beads.Path != newCfg.Beads.Path {
		return fmt.Errorf("beads.path changed (%q -> %q) and requires restart", oldCfg.Beads.Path, newCfg.Beads.Path)
	}
	if oldCfg.API.Bind != newCfg.API.Bind {
		return fmt.Errorf("api.bind changed (%q -> %q) and requires restart", oldCfg.API.Bind, newCfg.API.Bind)
	}
	return nil
}

func runStart(cfg *config.Config, cfgPath string, once bool) error {
	logger := configureLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("citadel starting", "config", cfgPath)

	queuePath := config.ExpandHome(cfg.Queue.Path)
	stateDir := filepath.Dir(queuePath)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir %s: %w", stateDir, err)
	}

	// Acquire single-instance lock
	lock, err := health.AcquireFlock(filepath.Join(stateDir, "citadel.lock"))
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		return err
	}
	defer health.ReleaseFlock(lock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beadsDir := config.ExpandHome(cfg.Beads.Path)
	store := beads.NewBD(beadsDir, cfg.Beads.Binary, cfg.Beads.AutoSync, logger)
	if _, err := os.Stat(filepath.Join(beadsDir, ".beads")); os.IsNotExist(err) {
		logger.Info("no bead database found, initializing", "dir", beadsDir)
		if err := store.Init(ctx); err != nil {
			logger.Error("failed to initialize bead store", "error", err)
			return err
		}
	}

	q, err := queue.Open(queuePath)
	if err != nil {
		logger.Error("failed to open queue", "path", queuePath, "error", err)
		return err
	}
	defer q.Close()

	formulas := formula.NewRegistry(config.ExpandHome(cfg.Formulas.Dir), logger)
	if err := formulas.Load(); err != nil {
		logger.Error("failed to load formulas", "error", err)
		return err
	}

	mgr := config.NewManager(cfg)
	svc := registry.New(mgr, store, q, formulas, logger)
	ts := tools.New(svc)
	run := runner.New(svc, ts, logger)

	pools := map[string]*pool.Pool{
		queue.RoleWorker:     pool.New(queue.RoleWorker, q, run.WorkerHandler(), cfg.Worker, logger),
		queue.RoleGatekeeper: pool.New(queue.RoleGatekeeper, q, run.GatekeeperHandler(), cfg.Gatekeeper, logger),
	}
	cond := conductor.New(svc, ts, pools, logger)

	if once {
		logger.Info("running single tick (--once mode)")
		if err := cond.TickOnce(ctx); err != nil {
			logger.Error("tick failed", "error", err)
			return err
		}
		logger.Info("single tick complete, exiting")
		return nil
	}

	applyReload := func() error {
		updated, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeReload(mgr.Get(), updated); err != nil {
			return err
		}
		mgr.Set(updated)
		logger = configureLogger(updated.Log.Level, updated.Log.Format)
		slog.SetDefault(logger)
		return formulas.Load()
	}

	// Gate on store health before any hook can claim leftover tickets.
	if err := cond.CheckStore(ctx); err != nil {
		logger.Error("bead store health check failed", "error", err)
		return err
	}

	pools[queue.RoleWorker].Resize(cfg.Worker.MinWorkers)
	pools[queue.RoleGatekeeper].Resize(cfg.Gatekeeper.MinWorkers)
	for _, p := range pools {
		p.Start(ctx)
	}

	condErr := make(chan error, 1)
	go func() { condErr <- cond.Run(ctx) }()

	if cfg.API.Enabled {
		apiSrv := api.NewServer(svc, pools, logger)
		go func() {
			if err := apiSrv.Start(ctx); err != nil {
				logger.Error("api server error", "error", err)
			}
		}()
	}

	logger.Info("citadel running",
		"tick_interval", cfg.Conductor.TickInterval.Duration.String(),
		"queue", queuePath,
		"api_enabled", cfg.API.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-condErr:
			cancel()
			for _, p := range pools {
				p.Stop()
			}
			if err != nil {
				logger.Error("conductor failed", "error", err)
				return err
			}
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := applyReload(); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded")
			default:
				shutdownStart := time.Now()
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				<-condErr
				for _, p := range pools {
					p.Stop()
				}
				logger.Info("citadel stopped", "shutdown_duration", time.Since(shutdownStart).String())
				return nil
			}
		}
	}
}
