// Package metrics exposes Prometheus collectors for PUF lifecycle operations.
//
// A Metrics value owns its registry so that short-lived processes such as
// pufctl can dump the collected series to a node_exporter textfile on exit.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pufkey"

// States lists every lifecycle state the state gauge reports.
var States = []string{"uninitialized", "initialized", "enrolled", "started", "deinitialized"}

// Metrics holds all lifecycle collectors.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	State             *prometheus.GaugeVec
	BusReplays        prometheus.Counter

	mu      sync.Mutex
	current string
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of PUF lifecycle operations by result.",
			},
			[]string{"op", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of PUF lifecycle operations.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op"},
		),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current lifecycle state (1 for the active state).",
			},
			[]string{"state"},
		),
		BusReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_nonce_replays_total",
				Help:      "Key bus deliveries that reused a nonce.",
			},
		),
	}

	m.registry.MustRegister(m.OperationsTotal, m.OperationDuration, m.State, m.BusReplays)
	for _, s := range States {
		m.State.WithLabelValues(s).Set(0)
	}
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation counts one operation outcome. kind is the status text,
// "Success" for a successful call.
func (m *Metrics) RecordOperation(op, kind string, d time.Duration) {
	m.OperationsTotal.WithLabelValues(op, kind).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordState moves the state gauge to state.
func (m *Metrics) RecordState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" {
		m.State.WithLabelValues(m.current).Set(0)
	}
	m.State.WithLabelValues(state).Set(1)
	m.current = state
}

// AddReplays adds n reused-nonce deliveries.
func (m *Metrics) AddReplays(n int) {
	if n > 0 {
		m.BusReplays.Add(float64(n))
	}
}

// WriteTextfile writes every series to path in text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}
