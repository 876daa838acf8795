package main

import (
	"log/slog"

	"github.com/dskow/cubewatch/internal/config"
	"github.com/dskow/cubewatch/internal/notify"
	"github.com/dskow/cubewatch/internal/watcher"
)

// reloadNotifier is a watcher.Notifier that can describe its target.
type reloadNotifier interface {
	watcher.Notifier
	String() string
}

// newNotifier picks the PID-file notifier when notify.pid_file is set and
// the process-table scan otherwise.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) (reloadNotifier, error) {
	if cfg.PIDFile != "" {
		n, err := notify.NewPIDFileNotifier(cfg.PIDFile, cfg.Signal, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	n, err := notify.NewProcessNotifier(cfg.Pattern, cfg.Signal, cfg.Timeout, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}
