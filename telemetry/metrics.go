// Package telemetry provides Prometheus metrics for the realtime layer, plus
// optional OTLP tracing.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ReconnectsScheduled *prometheus.CounterVec
	Reconnects          prometheus.Counter
	PingFailures        prometheus.Counter
	InvocationsOK       prometheus.Counter
	InvocationsFailed   prometheus.Counter
	EventsForwarded     *prometheus.CounterVec
	RestartsSucceeded   prometheus.Counter
	RestartsFailed      prometheus.Counter

	// Histograms (seconds)
	RestartDuration prometheus.Observer

	// Gauges
	ConnectionStateGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ReconnectsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "realtime_reconnects_scheduled_total", Help: "Reconnects scheduled, by reason"}, []string{"reason"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "realtime_reconnects_total", Help: "Successful reconnections"})
		PingFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "realtime_ping_failures_total", Help: "Counted (non-hidden) liveness ping failures"})
		InvocationsOK = promauto.NewCounter(prometheus.CounterOpts{Name: "realtime_invocations_succeeded_total", Help: "Hub invocations that succeeded"})
		InvocationsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "realtime_invocations_failed_total", Help: "Hub invocations that failed"})
		EventsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "realtime_events_forwarded_total", Help: "Server events forwarded to the consumer, by name"}, []string{"event"})
		RestartsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "realtime_restarts_succeeded_total", Help: "Full connection restarts that succeeded"})
		RestartsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "realtime_restarts_failed_total", Help: "Full connection restarts that failed"})
		RestartDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "realtime_restart_duration_seconds", Help: "Restart duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "realtime_connection_state", Help: "Current connection state (1 for the active state)"}, []string{"state"})
	})
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// SetConnectionState flips the state gauge to the given state.
func SetConnectionState(state string) {
	if ConnectionStateGauge == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionStateGauge.WithLabelValues(s).Set(v)
	}
}

// RecordReconnectScheduled counts one scheduled reconnect.
func RecordReconnectScheduled(reason string) {
	if ReconnectsScheduled != nil {
		ReconnectsScheduled.WithLabelValues(reason).Inc()
	}
}

// RecordReconnected counts one successful reconnection.
func RecordReconnected() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// RecordPingFailure counts one non-hidden liveness ping failure.
func RecordPingFailure() {
	if PingFailures != nil {
		PingFailures.Inc()
	}
}

// RecordInvocation counts one hub invocation outcome.
func RecordInvocation(ok bool) {
	switch {
	case ok && InvocationsOK != nil:
		InvocationsOK.Inc()
	case !ok && InvocationsFailed != nil:
		InvocationsFailed.Inc()
	}
}

// RecordEventForwarded counts one forwarded server event.
func RecordEventForwarded(event string) {
	if EventsForwarded != nil {
		EventsForwarded.WithLabelValues(event).Inc()
	}
}

// RecordRestart counts one restart outcome and its duration.
func RecordRestart(ok bool, d time.Duration) {
	if ok {
		if RestartsSucceeded != nil {
			RestartsSucceeded.Inc()
		}
	} else if RestartsFailed != nil {
		RestartsFailed.Inc()
	}
	if RestartDuration != nil {
		RestartDuration.Observe(d.Seconds())
	}
}
