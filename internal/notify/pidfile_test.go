package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writePIDFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cube.pid")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write pid file: %v", err)
	}
	return path
}

func fakePIDFileNotifier(t *testing.T, path string, alive bool) (*PIDFileNotifier, *[]int32) {
	t.Helper()
	n, err := NewPIDFileNotifier(path, "SIGTERM", discardLogger())
	if err != nil {
		t.Fatalf("NewPIDFileNotifier: %v", err)
	}
	var sent []int32
	n.exists = func(context.Context, int32) (bool, error) { return alive, nil }
	n.send = func(_ context.Context, pid int32, _ syscall.Signal) error {
		sent = append(sent, pid)
		return nil
	}
	return n, &sent
}

func TestPIDFileNotifier_SignalsPID(t *testing.T) {
	n, sent := fakePIDFileNotifier(t, writePIDFile(t, "4242\n"), true)

	res, err := n.Notify(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Signaled != 1 || len(*sent) != 1 || (*sent)[0] != 4242 {
		t.Errorf("expected pid 4242 signalled, got %+v %v", res, *sent)
	}
}

func TestPIDFileNotifier_MissingFile(t *testing.T) {
	n, sent := fakePIDFileNotifier(t, filepath.Join(t.TempDir(), "absent.pid"), true)

	_, err := n.Notify(context.Background())
	if !errors.Is(err, ErrNoProcesses) {
		t.Fatalf("expected ErrNoProcesses for missing pid file, got %v", err)
	}
	if len(*sent) != 0 {
		t.Errorf("unexpected signal: %v", *sent)
	}
}

func TestPIDFileNotifier_StalePID(t *testing.T) {
	n, sent := fakePIDFileNotifier(t, writePIDFile(t, "4242"), false)

	_, err := n.Notify(context.Background())
	if !errors.Is(err, ErrNoProcesses) {
		t.Fatalf("expected ErrNoProcesses for stale pid, got %v", err)
	}
	if len(*sent) != 0 {
		t.Errorf("unexpected signal: %v", *sent)
	}
}

func TestPIDFileNotifier_InvalidContent(t *testing.T) {
	for _, content := range []string{"", "abc", "-3", "0"} {
		n, _ := fakePIDFileNotifier(t, writePIDFile(t, content), true)
		_, err := n.Notify(context.Background())
		if err == nil || errors.Is(err, ErrNoProcesses) {
			t.Errorf("content %q: expected invalid pid error, got %v", content, err)
		}
	}
}

func TestPIDFileNotifier_SendError(t *testing.T) {
	n, _ := fakePIDFileNotifier(t, writePIDFile(t, "4242"), true)
	n.send = func(context.Context, int32, syscall.Signal) error { return syscall.EPERM }

	res, err := n.Notify(context.Background())
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("expected EPERM, got %v", err)
	}
	if res.Signaled != 0 {
		t.Errorf("expected nothing signalled, got %d", res.Signaled)
	}
}
