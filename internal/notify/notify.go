// Package notify delivers the reload signal to the process serving the
// watched configuration. Two targets are supported: every process whose
// command line matches a pattern (pkill -f semantics) and the single process
// named by a PID file.
package notify

import (
	"context"
	"errors"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoProcesses is returned when no process matched the target. Callers
// treat it as informational rather than a failure.
var ErrNoProcesses = errors.New("no matching processes found")

// Result describes one notification attempt.
type Result struct {
	Target   string  `json:"target"`
	Signal   string  `json:"signal"`
	Matched  []int32 `json:"matched"`
	Signaled int     `json:"signaled"`
}

// sendSignal delivers sig to pid through gopsutil.
func sendSignal(ctx context.Context, pid int32, sig syscall.Signal) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.SendSignalWithContext(ctx, sig)
}

// normalizeSignalName upper-cases name and adds the SIG prefix.
func normalizeSignalName(name string) string {
	key := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(key, "SIG") {
		key = "SIG" + key
	}
	return key
}
