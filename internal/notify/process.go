package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// candidate is a process table entry reduced to what matching needs.
type candidate struct {
	PID     int32
	Cmdline string
}

// ProcessNotifier signals every process whose full command line matches a
// regular expression. The watcher's own process is never matched.
type ProcessNotifier struct {
	pattern *regexp.Regexp
	signal  syscall.Signal
	sigName string
	timeout time.Duration
	selfPID int32
	logger  *slog.Logger

	list func(ctx context.Context) ([]candidate, error)
	send func(ctx context.Context, pid int32, sig syscall.Signal) error
}

// NewProcessNotifier compiles pattern and resolves signalName. timeout bounds
// one process table scan plus delivery; zero means no limit.
func NewProcessNotifier(pattern, signalName string, timeout time.Duration, logger *slog.Logger) (*ProcessNotifier, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling process pattern: %w", err)
	}
	sig, err := ParseSignal(signalName)
	if err != nil {
		return nil, err
	}
	return &ProcessNotifier{
		pattern: re,
		signal:  sig,
		sigName: SignalName(sig),
		timeout: timeout,
		selfPID: int32(os.Getpid()),
		logger:  logger,
		list:    listProcesses,
		send:    sendSignal,
	}, nil
}

// String describes the target for log lines.
func (n *ProcessNotifier) String() string {
	return fmt.Sprintf("processes matching %q", n.pattern.String())
}

// Notify scans the process table and signals every match. It returns
// ErrNoProcesses when nothing matched, and the joined per-PID errors when
// some deliveries failed; Result.Signaled counts the successful ones.
func (n *ProcessNotifier) Notify(ctx context.Context) (Result, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	res := Result{Target: n.pattern.String(), Signal: n.sigName}

	procs, err := n.list(ctx)
	if err != nil {
		return res, fmt.Errorf("listing processes: %w", err)
	}

	for _, p := range procs {
		if p.PID == n.selfPID {
			continue
		}
		if n.pattern.MatchString(p.Cmdline) {
			res.Matched = append(res.Matched, p.PID)
		}
	}
	if len(res.Matched) == 0 {
		return res, ErrNoProcesses
	}

	var errs []error
	for _, pid := range res.Matched {
		if err := n.send(ctx, pid, n.signal); err != nil {
			errs = append(errs, fmt.Errorf("signalling pid %d: %w", pid, err))
			continue
		}
		res.Signaled++
		n.logger.Debug("reload signal delivered", "pid", pid, "signal", n.sigName)
	}
	return res, errors.Join(errs...)
}

// listProcesses reads the process table. Processes that exit or deny access
// mid-scan are skipped; an empty command line falls back to the process name.
func listProcesses(ctx context.Context) ([]candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			name, nerr := p.NameWithContext(ctx)
			if nerr != nil {
				continue
			}
			cmdline = name
		}
		out = append(out, candidate{PID: p.Pid, Cmdline: cmdline})
	}
	return out, nil
}
