package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskow/cubewatch/internal/config"
	"github.com/dskow/cubewatch/internal/logging"
	"github.com/dskow/cubewatch/internal/metrics"
	"github.com/dskow/cubewatch/internal/server"
	"github.com/dskow/cubewatch/internal/watcher"
)

// runFlags holds command-line overrides applied on top of the loaded
// configuration.
type runFlags struct {
	configPath string
	path       string
	interval   time.Duration
	pattern    string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "cubewatch",
		Short: "Reload Cube.js when its schema file changes",
		Long: `cubewatch polls a file (cube.py by default) at a fixed interval, fingerprints
its content with xxh64 and sends SIGUSR1 to every process whose command line
matches "cubejs" when the content changes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	f.StringVar(&flags.path, "path", "", "file to watch (overrides watch.path and "+config.EnvWatchPath+")")
	f.DurationVar(&flags.interval, "interval", 0, "poll interval (overrides watch.poll_interval and "+config.EnvPollInterval+")")
	f.StringVar(&flags.pattern, "pattern", "", "command-line pattern of processes to signal (overrides notify.pattern)")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.AddCommand(newFingerprintCmd(), newVersionCmd())
	return cmd
}

// loadConfig loads the file and environment, applies the flags the user
// actually set and re-validates.
func loadConfig(cmd *cobra.Command, flags runFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("path") {
		cfg.Watch.Path = flags.path
	}
	if changed("interval") {
		cfg.Watch.PollInterval = flags.interval
	}
	if changed("pattern") {
		cfg.Notify.Pattern = flags.pattern
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}
	return cfg, nil
}

// run wires the components and blocks until SIGINT/SIGTERM. Only startup
// failures are returned; a clean shutdown returns nil.
func run(parent context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger, closer, err := logging.New(cfg.Logging, stdout, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	notifier, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}
	logger.Info("reload target", "target", notifier.String(), "signal", cfg.Notify.Signal)

	w, err := watcher.New(watcher.Options{
		Path:     cfg.Watch.Path,
		Interval: cfg.Watch.PollInterval,
	}, notifier, logger)
	if err != nil {
		return err
	}

	var srv *server.Server
	if cfg.HTTP.Addr != "" {
		srv, err = server.New(cfg, w, logger)
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			srv.Close()
			return err
		}
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case sig := <-quit:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.Error("http listener stopped", "error", err)
			}
		}()
	}

	runErr := w.Run(ctx)
	cancel()
	wg.Wait()

	logger.Info("cubewatch stopped")
	return runErr
}
