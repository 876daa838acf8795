//go:build windows

package notify

import (
	"fmt"
	"strconv"
	"syscall"
)

// ParseSignal always fails on Windows: there is no user-defined reload
// signal and gopsutil cannot deliver signals there.
func ParseSignal(name string) (syscall.Signal, error) {
	return 0, fmt.Errorf("signal %q: reload signals are not supported on windows", name)
}

// SignalName returns the number of sig.
func SignalName(sig syscall.Signal) string {
	return strconv.Itoa(int(sig))
}
