//go:build !windows

package notify

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

var signalsByName = map[string]syscall.Signal{
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGTERM": syscall.SIGTERM,
}

// ParseSignal resolves a signal name ("SIGUSR1", "usr1") or number.
func ParseSignal(name string) (syscall.Signal, error) {
	if sig, ok := signalsByName[normalizeSignalName(name)]; ok {
		return sig, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(name)); err == nil && n > 0 && n < 65 {
		return syscall.Signal(n), nil
	}
	return 0, fmt.Errorf("unsupported signal %q", name)
}

// SignalName returns the SIG-prefixed name of sig when it is one of the
// named signals, and its number otherwise.
func SignalName(sig syscall.Signal) string {
	for name, s := range signalsByName {
		if s == sig {
			return name
		}
	}
	return strconv.Itoa(int(sig))
}
