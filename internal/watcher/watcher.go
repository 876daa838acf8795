// Package watcher implements the polling loop: read the watched file,
// fingerprint it, compare with the last known fingerprint and ask a Notifier
// to reload the target when they differ.
package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dskow/cubewatch/internal/fingerprint"
	"github.com/dskow/cubewatch/internal/metrics"
	"github.com/dskow/cubewatch/internal/notify"
)

// Notifier asks the reload target to pick up the new configuration.
// Implementations report notify.ErrNoProcesses when no target was found.
type Notifier interface {
	Notify(ctx context.Context) (notify.Result, error)
}

// State is the loop lifecycle: Starting until the baseline is captured,
// Watching while polling, Stopping once cancellation was observed.
type State int

const (
	StateStarting State = iota
	StateWatching
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateWatching:
		return "watching"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PollResult is the outcome of one poll cycle.
type PollResult int

const (
	PollUnchanged PollResult = iota
	PollChanged
	PollReadFailed
)

func (r PollResult) String() string {
	switch r {
	case PollUnchanged:
		return metrics.PollUnchanged
	case PollChanged:
		return metrics.PollChanged
	case PollReadFailed:
		return metrics.PollReadFailed
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// WatchedFile is the last successfully observed content of the file and its
// fingerprint. Content and Fingerprint are only ever assigned together.
type WatchedFile struct {
	Path        string
	Content     []byte
	Fingerprint fingerprint.Fingerprint
	HasBaseline bool
}

// update replaces the stored content and its fingerprint.
func (f *WatchedFile) update(content []byte, fp fingerprint.Fingerprint) {
	f.Content = content
	f.Fingerprint = fp
	f.HasBaseline = true
}

// Options configures a Watcher.
type Options struct {
	Path     string
	Interval time.Duration
}

// Watcher owns the WatchedFile and runs the poll loop. Only the loop
// goroutine mutates the file state; the mutex lets Status be read from HTTP
// handlers.
type Watcher struct {
	opts     Options
	notifier Notifier
	logger   *slog.Logger

	mu           sync.RWMutex
	state        State
	file         WatchedFile
	lastPoll     time.Time
	lastChange   time.Time
	polls        uint64
	changes      uint64
	readFailures uint64

	now func() time.Time
}

// New creates a Watcher for opts.Path. Interval must be positive.
func New(opts Options, notifier Notifier, logger *slog.Logger) (*Watcher, error) {
	if opts.Path == "" {
		return nil, errors.New("watcher: path is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("watcher: interval must be positive, got %s", opts.Interval)
	}
	if notifier == nil {
		return nil, errors.New("watcher: notifier is required")
	}
	return &Watcher{
		opts:     opts,
		notifier: notifier,
		logger:   logger,
		file:     WatchedFile{Path: opts.Path},
		now:      time.Now,
	}, nil
}

// Run captures the baseline and polls until ctx is cancelled. It always
// returns nil after a cancellation; per-cycle failures never end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching file for content changes", "path", w.opts.Path)
	w.logger.Info("poll interval", "interval", w.opts.Interval)

	w.Baseline()
	w.setState(StateWatching)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopping)
			w.logger.Info("shutting down watcher", "path", w.opts.Path)
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			continue
		}

		w.safePoll(ctx)
		timer.Reset(w.opts.Interval)
	}
}

// Baseline performs the unconditional startup read. It never notifies; an
// unreadable file leaves the baseline empty.
func (w *Watcher) Baseline() {
	content, err := w.readFile()
	if err != nil {
		return
	}
	fp := fingerprint.Sum(content)

	w.mu.Lock()
	w.file.update(content, fp)
	w.mu.Unlock()

	metrics.FileBytes.Set(float64(len(content)))
	w.logger.Info("initial content hash", "hash", fp.String())
}

// Poll runs one read/compare/notify cycle.
func (w *Watcher) Poll(ctx context.Context) PollResult {
	result := w.poll(ctx)
	metrics.PollsTotal.WithLabelValues(result.String()).Inc()
	return result
}

func (w *Watcher) poll(ctx context.Context) PollResult {
	now := w.now()

	content, err := w.readFile()

	w.mu.Lock()
	w.polls++
	w.lastPoll = now
	if err != nil {
		w.readFailures++
		w.mu.Unlock()
		return PollReadFailed
	}

	current := fingerprint.Sum(content)
	previous := w.file
	if previous.HasBaseline && previous.Fingerprint == current {
		w.mu.Unlock()
		return PollUnchanged
	}

	// The new content becomes the baseline before notifying so a failed
	// notification is not retried on every subsequent poll.
	w.file.update(content, current)
	w.changes++
	w.lastChange = now
	w.mu.Unlock()

	metrics.FileBytes.Set(float64(len(content)))
	metrics.LastChange.Set(float64(now.Unix()))

	oldHash := "none"
	if previous.HasBaseline {
		oldHash = previous.Fingerprint.Short() + "..."
	}
	w.logger.Info("content hash changed",
		"path", w.opts.Path,
		"old", oldHash,
		"new", current.Short()+"...",
	)

	w.notify(ctx, "content changed")
	return PollChanged
}

// safePoll runs Poll, recovering and logging a panic so one bad cycle never
// takes the loop down.
func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.Inc()
			w.logger.Error("error in watching loop",
				"error", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	w.Poll(ctx)
}

// ForceReload notifies the target without reading the file or touching the
// stored fingerprint.
func (w *Watcher) ForceReload(ctx context.Context) (notify.Result, error) {
	return w.notify(ctx, "forced")
}

// notify invokes the notifier and logs the outcome. Errors are returned for
// callers that report them (the admin API); the loop ignores them.
func (w *Watcher) notify(ctx context.Context, reason string) (notify.Result, error) {
	w.logger.Info("sending reload signal", "reason", reason)

	res, err := w.notifier.Notify(ctx)
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues(metrics.NotifySent).Inc()
		metrics.SignalsSent.Add(float64(res.Signaled))
		w.logger.Info("reload signal sent successfully",
			"signal", res.Signal,
			"pids", res.Matched,
		)
	case errors.Is(err, notify.ErrNoProcesses):
		metrics.NotificationsTotal.WithLabelValues(metrics.NotifyNoMatch).Inc()
		w.logger.Info("no processes found to reload", "target", res.Target, "detail", err.Error())
	default:
		metrics.NotificationsTotal.WithLabelValues(metrics.NotifyError).Inc()
		metrics.SignalsSent.Add(float64(res.Signaled))
		w.logger.Error("error sending reload signal",
			"target", res.Target,
			"signaled", res.Signaled,
			"error", err,
		)
	}
	return res, err
}

// ErrNotText is returned for a watched file that is not valid UTF-8.
var ErrNotText = errors.New("content is not valid UTF-8")

// readFile reads the watched file as text: invalid UTF-8 is a read failure
// and CRLF or lone CR line endings are normalized to LF, so the fingerprint
// only moves when the text does. Failures are logged and returned.
func (w *Watcher) readFile() ([]byte, error) {
	content, err := os.ReadFile(w.opts.Path)
	if err == nil && !utf8.Valid(content) {
		err = fmt.Errorf("%s: %w", w.opts.Path, ErrNotText)
	}
	if err != nil {
		w.logger.Error("error reading watched file", "path", w.opts.Path, "error", err)
		return nil, err
	}
	return normalizeNewlines(content), nil
}

func normalizeNewlines(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// snapshot returns a copy of the stored file state.
func (w *Watcher) snapshot() WatchedFile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	f := w.file
	f.Content = append([]byte(nil), w.file.Content...)
	return f
}

// Status is a point-in-time view of the watcher for the HTTP side listener.
type Status struct {
	Path         string    `json:"path"`
	State        string    `json:"state"`
	Interval     string    `json:"interval"`
	HasBaseline  bool      `json:"has_baseline"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Bytes        int       `json:"bytes"`
	LastPoll     time.Time `json:"last_poll,omitzero"`
	LastChange   time.Time `json:"last_change,omitzero"`
	Polls        uint64    `json:"polls"`
	Changes      uint64    `json:"changes"`
	ReadFailures uint64    `json:"read_failures"`
}

// Status returns the current status snapshot.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	st := Status{
		Path:         w.opts.Path,
		State:        w.state.String(),
		Interval:     w.opts.Interval.String(),
		HasBaseline:  w.file.HasBaseline,
		Bytes:        len(w.file.Content),
		LastPoll:     w.lastPoll,
		LastChange:   w.lastChange,
		Polls:        w.polls,
		Changes:      w.changes,
		ReadFailures: w.readFailures,
	}
	if w.file.HasBaseline {
		st.Fingerprint = w.file.Fingerprint.String()
	}
	return st
}
