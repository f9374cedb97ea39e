// Package metrics exports keepalive activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devkeep/devkeep-go/pkg/heartbeat"
)

const namespace = "devkeep"

// Beat result labels.
const (
	ResultOK     = "ok"
	ResultMissed = "missed"
)

// Collector holds the keepalive metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	beats        *prometheus.CounterVec
	beatDuration *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	sessions     *prometheus.GaugeVec
	starts       *prometheus.CounterVec
}

// New creates a Collector and registers its metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		beats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "beats_total",
				Help:      "Heartbeat probes sent, by device and result.",
			},
			[]string{"device", "result"},
		),
		beatDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "beat_duration_seconds",
				Help:      "Round trip of answered heartbeat probes in seconds.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"device"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "state_transitions_total",
				Help:      "Session state transitions, by device and new state.",
			},
			[]string{"device", "state"},
		),
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "sessions",
				Help:      "Supervised sessions, by state.",
			},
			[]string{"state"},
		),
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "starts_total",
				Help:      "Start requests, by result code.",
			},
			[]string{"code"},
		),
	}
	c.registry.MustRegister(c.beats, c.beatDuration, c.transitions, c.sessions, c.starts)
	return c
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveBeat records one heartbeat attempt.
func (c *Collector) ObserveBeat(udid string, res heartbeat.BeatResult) {
	if res.Err != nil {
		c.beats.WithLabelValues(udid, ResultMissed).Inc()
		return
	}
	c.beats.WithLabelValues(udid, ResultOK).Inc()
	c.beatDuration.WithLabelValues(udid).Observe(res.Latency.Seconds())
}

// ObserveState records a state transition and moves the session between
// the per-state gauges.
func (c *Collector) ObserveState(udid string, old, next heartbeat.State) {
	c.transitions.WithLabelValues(udid, next.String()).Inc()
	if old != heartbeat.StateIdle {
		c.sessions.WithLabelValues(old.String()).Dec()
	}
	c.sessions.WithLabelValues(next.String()).Inc()
}

// SessionRemoved drops a session that left supervision in state.
func (c *Collector) SessionRemoved(state heartbeat.State) {
	if state == heartbeat.StateIdle {
		return
	}
	c.sessions.WithLabelValues(state.String()).Dec()
}

// RecordStart counts a start request by its result code.
func (c *Collector) RecordStart(code string) {
	c.starts.WithLabelValues(code).Inc()
}

// BeatObserver adapts the collector to a heartbeat session.
func (c *Collector) BeatObserver(udid string) heartbeat.BeatObserver {
	return func(res heartbeat.BeatResult) { c.ObserveBeat(udid, res) }
}

// StateObserver adapts the collector to a heartbeat session.
func (c *Collector) StateObserver(udid string) heartbeat.StateObserver {
	return func(old, next heartbeat.State, _ error) { c.ObserveState(udid, old, next) }
}
