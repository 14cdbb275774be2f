// Package metrics holds the Prometheus instrumentation for the polling
// scheduler and trigger engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics exposed by the daemon.
type Registry struct {
	triggersFired   *prometheus.CounterVec
	scriptsRun      *prometheus.CounterVec
	scriptFailures  *prometheus.CounterVec
	pollFailures    *prometheus.CounterVec
	pollersStopped  *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// NewRegistry returns the process-wide metrics [Registry]. Its collectors are
// registered with the default Prometheus registerer, which rejects a second
// registration under the same name, so they are built on the first call only
// and every later call returns that same instance.
func NewRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = newRegistry()
	})

	return defaultRegistry
}

// newRegistry builds and registers every collector of a [Registry].
func newRegistry() *Registry {
	return &Registry{
		triggersFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbd_triggers_fired_total",
			Help: "Total number of action rules that fired per device.",
		}, []string{"device"}),
		scriptsRun: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbd_scripts_run_total",
			Help: "Total number of action scripts executed per device.",
		}, []string{"device"}),
		scriptFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbd_script_failures_total",
			Help: "Total number of action scripts that exited non-zero or failed to run.",
		}, []string{"device"}),
		pollFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbd_poll_failures_total",
			Help: "Total number of failed option-read/poll attempts per device.",
		}, []string{"device"}),
		pollersStopped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbd_pollers_stopped_total",
			Help: "Total number of device pollers that exited (device lost, access denied, no options).",
		}, []string{"device", "reason"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanbd_dispatch_duration_seconds",
			Help:    "Duration of a full dispatch (env build, signals, script run, reopen).",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
	}
}

// IncTriggerFired records a fired [ActionRule] for a device.
func (r *Registry) IncTriggerFired(device string) {
	r.triggersFired.WithLabelValues(device).Inc()
}

// IncScriptRun records a script execution for a device.
func (r *Registry) IncScriptRun(device string) {
	r.scriptsRun.WithLabelValues(device).Inc()
}

// IncScriptFailure records a failed script execution for a device.
func (r *Registry) IncScriptFailure(device string) {
	r.scriptFailures.WithLabelValues(device).Inc()
}

// IncPollFailure records a failed poll attempt for a device.
func (r *Registry) IncPollFailure(device string) {
	r.pollFailures.WithLabelValues(device).Inc()
}

// IncPollerStopped records a poller exit for a device with a reason.
func (r *Registry) IncPollerStopped(device, reason string) {
	r.pollersStopped.WithLabelValues(device, reason).Inc()
}

// ObserveDispatch records the duration of a dispatch for a device.
func (r *Registry) ObserveDispatch(device string, seconds float64) {
	r.dispatchLatency.WithLabelValues(device).Observe(seconds)
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
