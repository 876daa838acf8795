package notify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// PIDFileNotifier signals the single process whose PID is stored in a file.
// A missing file or a stale PID is reported as ErrNoProcesses so the watcher
// keeps running while the target is down.
type PIDFileNotifier struct {
	path    string
	signal  syscall.Signal
	sigName string
	logger  *slog.Logger

	exists func(ctx context.Context, pid int32) (bool, error)
	send   func(ctx context.Context, pid int32, sig syscall.Signal) error
}

// NewPIDFileNotifier resolves signalName; the file itself is read on every
// notification so restarts of the target are picked up.
func NewPIDFileNotifier(path, signalName string, logger *slog.Logger) (*PIDFileNotifier, error) {
	sig, err := ParseSignal(signalName)
	if err != nil {
		return nil, err
	}
	return &PIDFileNotifier{
		path:    path,
		signal:  sig,
		sigName: SignalName(sig),
		logger:  logger,
		exists:  process.PidExistsWithContext,
		send:    sendSignal,
	}, nil
}

// String describes the target for log lines.
func (n *PIDFileNotifier) String() string {
	return "process in " + n.path
}

// Notify reads the PID file and signals that process.
func (n *PIDFileNotifier) Notify(ctx context.Context) (Result, error) {
	res := Result{Target: n.path, Signal: n.sigName}

	data, err := os.ReadFile(n.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("pid file %s: %w", n.path, ErrNoProcesses)
		}
		return res, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return res, fmt.Errorf("pid file %s: invalid pid %q", n.path, strings.TrimSpace(string(data)))
	}

	ok, err := n.exists(ctx, int32(pid))
	if err != nil {
		return res, fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !ok {
		return res, fmt.Errorf("stale pid %d in %s: %w", pid, n.path, ErrNoProcesses)
	}

	res.Matched = []int32{int32(pid)}
	if err := n.send(ctx, int32(pid), n.signal); err != nil {
		return res, fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	res.Signaled = 1
	n.logger.Debug("reload signal delivered", "pid", pid, "signal", n.sigName)
	return res, nil
}
