// Package metrics provides Prometheus instrumentation for the watcher.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll and notification result label values.
const (
	PollUnchanged  = "unchanged"
	PollChanged    = "changed"
	PollReadFailed = "read_failed"

	NotifySent    = "sent"
	NotifyNoMatch = "no_match"
	NotifyError   = "error"
)

var (
	// PollsTotal counts poll cycles by outcome.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubewatch_polls_total",
			Help: "Total poll cycles by outcome",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts reload notification attempts by outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubewatch_notifications_total",
			Help: "Total reload notification attempts",
		},
		[]string{"result"},
	)

	// SignalsSent counts individual processes signalled.
	SignalsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubewatch_signals_sent_total",
			Help: "Total processes that were sent the reload signal",
		},
	)

	// LoopPanics counts poll iterations that panicked and were recovered.
	LoopPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubewatch_loop_panics_total",
			Help: "Total poll iterations recovered from a panic",
		},
	)

	// LastChange records when the watched file last changed.
	LastChange = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cubewatch_last_change_timestamp_seconds",
			Help: "Unix time of the last detected content change",
		},
	)

	// FileBytes tracks the size of the last successfully read content.
	FileBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cubewatch_watched_file_bytes",
			Help: "Size in bytes of the last successfully read watched file",
		},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubewatch_admin_auth_failures_total",
			Help: "Total admin API authentication failures",
		},
		[]string{"reason"},
	)

	// RateLimitHits counts admin requests rejected by the rate limiter.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubewatch_admin_rate_limit_hits_total",
			Help: "Total admin API rate limit rejections",
		},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PollsTotal,
		NotificationsTotal,
		SignalsSent,
		LoopPanics,
		LastChange,
		FileBytes,
		AuthFailures,
		RateLimitHits,
	}
}

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Repeated calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
