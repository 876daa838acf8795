package watcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dskow/cubewatch/internal/fingerprint"
	"github.com/dskow/cubewatch/internal/notify"
)

// fakeNotifier records calls and returns a configurable error.
type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (f *fakeNotifier) Notify(context.Context) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic {
		panic("notifier exploded")
	}
	if f.err != nil {
		return notify.Result{Target: "cubejs", Signal: "SIGUSR1"}, f.err
	}
	return notify.Result{Target: "cubejs", Signal: "SIGUSR1", Matched: []int32{42}, Signaled: 1}, nil
}

func (f *fakeNotifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// syncBuffer is a goroutine-safe log sink for tests that run the loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	return logger, buf
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// replaceFile swaps content in atomically so a concurrent poll never sees a
// truncated file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func newTestWatcher(t *testing.T, content string) (*Watcher, *fakeNotifier, string, *syncBuffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cube.py")
	if content != "" {
		writeFile(t, path, content)
	}
	logger, logBuf := newTestLogger()
	n := &fakeNotifier{}
	w, err := New(Options{Path: path, Interval: 10 * time.Millisecond}, n, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, n, path, logBuf
}

func TestWatcher_Scenario_UnchangedThenChanged(t *testing.T) {
	w, n, path, _ := newTestWatcher(t, "a")
	ctx := context.Background()

	w.Baseline()
	if n.Calls() != 0 {
		t.Fatal("baseline must not notify")
	}
	if got := w.snapshot().Fingerprint; got != fingerprint.Sum([]byte("a")) {
		t.Fatalf("baseline fingerprint = %s, want F(a)", got)
	}

	if r := w.Poll(ctx); r != PollUnchanged {
		t.Fatalf("second poll: expected unchanged, got %s", r)
	}
	if n.Calls() != 0 {
		t.Fatal("unchanged content must not notify")
	}

	writeFile(t, path, "b")
	if r := w.Poll(ctx); r != PollChanged {
		t.Fatalf("third poll: expected changed, got %s", r)
	}
	if n.Calls() != 1 {
		t.Fatalf("expected exactly one notification, got %d", n.Calls())
	}

	snap := w.snapshot()
	if snap.Fingerprint != fingerprint.Sum([]byte("b")) {
		t.Errorf("stored fingerprint = %s, want F(b)", snap.Fingerprint)
	}
	if string(snap.Content) != "b" {
		t.Errorf("stored content = %q, want b", snap.Content)
	}
}

func TestWatcher_Idempotent(t *testing.T) {
	w, n, _, _ := newTestWatcher(t, "cube(`orders`, {})")
	ctx := context.Background()

	w.Baseline()
	want := w.snapshot().Fingerprint
	for i := 0; i < 5; i++ {
		if r := w.Poll(ctx); r != PollUnchanged {
			t.Fatalf("poll %d: expected unchanged, got %s", i, r)
		}
	}
	if n.Calls() != 0 {
		t.Errorf("expected no notifications, got %d", n.Calls())
	}
	if w.snapshot().Fingerprint != want {
		t.Error("fingerprint drifted without content change")
	}
}

func TestWatcher_OneNotificationPerChange(t *testing.T) {
	w, n, path, _ := newTestWatcher(t, "v1")
	ctx := context.Background()
	w.Baseline()

	for i, content := range []string{"v2", "v3", "v1"} {
		writeFile(t, path, content)
		w.Poll(ctx)
		w.Poll(ctx)
		if n.Calls() != i+1 {
			t.Fatalf("after change %d: expected %d notifications, got %d", i+1, i+1, n.Calls())
		}
	}
}

func TestWatcher_Scenario_TransientReadFailure(t *testing.T) {
	w, n, path, logBuf := newTestWatcher(t, "a")
	ctx := context.Background()
	w.Baseline()
	before := w.snapshot()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r := w.Poll(ctx); r != PollReadFailed {
		t.Fatalf("expected read failure, got %s", r)
	}
	after := w.snapshot()
	if after.Fingerprint != before.Fingerprint || string(after.Content) != string(before.Content) {
		t.Error("read failure must not change stored state")
	}
	if !strings.Contains(logBuf.String(), "error reading watched file") {
		t.Error("expected read failure to be logged")
	}

	writeFile(t, path, "a")
	if r := w.Poll(ctx); r != PollUnchanged {
		t.Fatalf("expected unchanged after recovery, got %s", r)
	}
	if n.Calls() != 0 {
		t.Errorf("expected no notifications across failure and recovery, got %d", n.Calls())
	}
	if st := w.Status(); st.ReadFailures != 1 || st.Polls != 2 {
		t.Errorf("unexpected counters: %+v", st)
	}
}

func TestWatcher_Scenario_NoProcessesFound(t *testing.T) {
	w, n, path, logBuf := newTestWatcher(t, "a")
	n.err = notify.ErrNoProcesses
	ctx := context.Background()
	w.Baseline()

	writeFile(t, path, "b")
	if r := w.Poll(ctx); r != PollChanged {
		t.Fatalf("expected changed, got %s", r)
	}
	if w.snapshot().Fingerprint != fingerprint.Sum([]byte("b")) {
		t.Error("fingerprint must advance even when no process was found")
	}
	if !strings.Contains(logBuf.String(), "no processes found") {
		t.Error("expected 'no processes found' to be logged")
	}
	if strings.Contains(logBuf.String(), `"level":"ERROR"`) {
		t.Error("no matching process must not be logged as an error")
	}

	if r := w.Poll(ctx); r != PollUnchanged {
		t.Fatalf("expected unchanged on next poll, got %s", r)
	}
	if n.Calls() != 1 {
		t.Errorf("change must not be re-notified, got %d calls", n.Calls())
	}
}

func TestWatcher_NotifyErrorIsNotFatal(t *testing.T) {
	w, n, path, logBuf := newTestWatcher(t, "a")
	n.err = errors.New("operation not permitted")
	ctx := context.Background()
	w.Baseline()

	writeFile(t, path, "b")
	if r := w.Poll(ctx); r != PollChanged {
		t.Fatalf("expected changed, got %s", r)
	}
	if !strings.Contains(logBuf.String(), "error sending reload signal") {
		t.Error("expected notification failure to be logged")
	}
	if w.Poll(ctx) != PollUnchanged || n.Calls() != 1 {
		t.Errorf("failed notification must not be retried, got %d calls", n.Calls())
	}
}

func TestWatcher_MissingAtStartup(t *testing.T) {
	w, n, path, _ := newTestWatcher(t, "")
	ctx := context.Background()

	w.Baseline()
	if w.snapshot().HasBaseline {
		t.Fatal("unreadable file must leave baseline empty")
	}
	if r := w.Poll(ctx); r != PollReadFailed {
		t.Fatalf("expected read failure, got %s", r)
	}

	writeFile(t, path, "a")
	if r := w.Poll(ctx); r != PollChanged {
		t.Fatalf("expected appearance to count as change, got %s", r)
	}
	if n.Calls() != 1 {
		t.Errorf("expected one notification, got %d", n.Calls())
	}
	if !w.snapshot().HasBaseline {
		t.Error("expected baseline after first successful read")
	}
}

func TestWatcher_EmptyFileIsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube.py")
	writeFile(t, path, "")
	logger, _ := newTestLogger()
	n := &fakeNotifier{}
	w, err := New(Options{Path: path, Interval: time.Second}, n, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.Baseline()
	if !w.snapshot().HasBaseline {
		t.Fatal("empty file should produce a baseline")
	}
	if w.Poll(context.Background()) != PollUnchanged || n.Calls() != 0 {
		t.Error("empty file must be stable")
	}
}

func TestWatcher_LineEndingsAreNotAChange(t *testing.T) {
	w, n, path, _ := newTestWatcher(t, "a\nb\n")
	ctx := context.Background()
	w.Baseline()

	writeFile(t, path, "a\r\nb\r\n")
	if r := w.Poll(ctx); r != PollUnchanged {
		t.Fatalf("CRLF rewrite: expected unchanged, got %s", r)
	}
	writeFile(t, path, "a\rb\r")
	if r := w.Poll(ctx); r != PollUnchanged {
		t.Fatalf("CR rewrite: expected unchanged, got %s", r)
	}
	if n.Calls() != 0 {
		t.Errorf("expected no notifications, got %d", n.Calls())
	}
	if got := w.snapshot().Fingerprint; got != fingerprint.Sum([]byte("a\nb\n")) {
		t.Errorf("fingerprint = %s, want the LF form", got)
	}
}

func TestWatcher_InvalidUTF8IsReadFailure(t *testing.T) {
	w, n, path, logBuf := newTestWatcher(t, "a\n")
	ctx := context.Background()
	w.Baseline()
	before := w.snapshot()

	writeFile(t, path, "a\n\xff\n")
	if r := w.Poll(ctx); r != PollReadFailed {
		t.Fatalf("expected read failure, got %s", r)
	}
	if n.Calls() != 0 {
		t.Errorf("undecodable content must not notify, got %d", n.Calls())
	}
	if w.snapshot().Fingerprint != before.Fingerprint {
		t.Error("undecodable content must not change stored state")
	}
	if !strings.Contains(logBuf.String(), ErrNotText.Error()) {
		t.Error("expected decode failure to be logged")
	}

	writeFile(t, path, "b\n")
	if r := w.Poll(ctx); r != PollChanged || n.Calls() != 1 {
		t.Errorf("valid text after failure: got %s with %d notifications", r, n.Calls())
	}
}

func TestWatcher_UndecodableAtStartupHasNoBaseline(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, "\xfe\xff")
	w.Baseline()
	if w.snapshot().HasBaseline {
		t.Error("undecodable file must not produce a baseline")
	}
}

func TestNormalizeNewlines(t *testing.T) {
	tests := map[string]string{
		"":           "",
		"a\nb":       "a\nb",
		"a\r\nb\r\n": "a\nb\n",
		"a\rb":       "a\nb",
		"a\r\r\nb":   "a\n\nb",
	}
	for in, want := range tests {
		if got := string(normalizeNewlines([]byte(in))); got != want {
			t.Errorf("normalizeNewlines(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatcher_SafePollRecoversPanic(t *testing.T) {
	w, n, path, logBuf := newTestWatcher(t, "a")
	n.panic = true
	w.Baseline()

	writeFile(t, path, "b")
	w.safePoll(context.Background())

	if !strings.Contains(logBuf.String(), "error in watching loop") {
		t.Error("expected recovered panic to be logged")
	}

	n.panic = false
	if r := w.Poll(context.Background()); r != PollUnchanged {
		t.Errorf("expected loop state to survive the panic, got %s", r)
	}
}

func TestWatcher_ForceReload(t *testing.T) {
	w, n, _, _ := newTestWatcher(t, "a")
	w.Baseline()
	before := w.snapshot().Fingerprint

	res, err := w.ForceReload(context.Background())
	if err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	if res.Signaled != 1 || n.Calls() != 1 {
		t.Errorf("expected one notification, got %+v / %d", res, n.Calls())
	}
	if w.snapshot().Fingerprint != before {
		t.Error("forced reload must not touch the fingerprint")
	}
}

func TestWatcher_Run(t *testing.T) {
	w, n, path, logBuf := newTestWatcher(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool {
		st := w.Status()
		return st.State == "watching" && st.Polls >= 1
	})
	if n.Calls() != 0 {
		t.Fatal("startup must not notify")
	}

	replaceFile(t, path, "b")
	waitFor(t, func() bool { return n.Calls() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if w.State() != StateStopping {
		t.Errorf("expected stopping state, got %s", w.State())
	}
	if n.Calls() != 1 {
		t.Errorf("expected exactly one notification, got %d", n.Calls())
	}
	logs := logBuf.String()
	for _, want := range []string{"watching file for content changes", "initial content hash", "content hash changed", "shutting down watcher"} {
		if !strings.Contains(logs, want) {
			t.Errorf("expected %q in logs", want)
		}
	}
}

func TestWatcher_RunCancelledBeforeStart(t *testing.T) {
	w, n, _, _ := newTestWatcher(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n.Calls() != 0 {
		t.Error("cancelled watcher must not notify")
	}
}

func TestNew_Validation(t *testing.T) {
	logger, _ := newTestLogger()
	n := &fakeNotifier{}

	if _, err := New(Options{Interval: time.Second}, n, logger); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New(Options{Path: "cube.py"}, n, logger); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := New(Options{Path: "cube.py", Interval: time.Second}, nil, logger); err == nil {
		t.Error("expected error for nil notifier")
	}
}

func TestStatus(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, "abc")
	st := w.Status()
	if st.State != "starting" || st.HasBaseline || st.Fingerprint != "" {
		t.Errorf("unexpected initial status: %+v", st)
	}

	w.Baseline()
	st = w.Status()
	if !st.HasBaseline || st.Bytes != 3 || st.Fingerprint != fingerprint.Sum([]byte("abc")).String() {
		t.Errorf("unexpected status after baseline: %+v", st)
	}
}

func TestStrings(t *testing.T) {
	if StateWatching.String() != "watching" || State(9).String() != "state(9)" {
		t.Error("unexpected State strings")
	}
	if PollReadFailed.String() != "read_failed" || PollResult(9).String() != "result(9)" {
		t.Error("unexpected PollResult strings")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
