// File: internal/metrics/metrics.go
// Package metrics exposes engine activity as Prometheus collectors. The
// collectors are fed through the engine's existing hooks: record sinks,
// navigation failure hooks and RunState listeners.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sylvester1001/zat/internal/navigator"
	"github.com/sylvester1001/zat/internal/orchestrator"
	"github.com/sylvester1001/zat/internal/perception"
)

const namespace = "zat"

var runStates = []orchestrator.RunState{
	orchestrator.StateIdle,
	orchestrator.StateNavigating,
	orchestrator.StateAwaitingMatch,
	orchestrator.StateActive,
	orchestrator.StateFinished,
}

var _ orchestrator.RecordSink = (*Metrics)(nil)

// Metrics holds the engine collectors.
type Metrics struct {
	attempts    *prometheus.CounterVec
	ranks       *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	navFailures *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Finished activity attempts by subject and status.",
			},
			[]string{"subject", "status"},
		),
		ranks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ranks_total",
				Help:      "Completed attempts by subject and result rank.",
			},
			[]string{"subject", "rank"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Wall time of finished attempts.",
				Buckets:   []float64{30, 60, 120, 180, 300, 450, 600, 900},
			},
			[]string{"subject"},
		),
		navFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "navigation_failures_total",
				Help:      "Abandoned navigation requests by reason.",
			},
			[]string{"reason"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_state",
				Help:      "1 for the orchestrator's current run state, 0 otherwise.",
			},
			[]string{"state"},
		),
	}

	for _, c := range []prometheus.Collector{m.attempts, m.ranks, m.durations, m.navFailures, m.state} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	m.ObserveState(orchestrator.StateIdle)
	return m, nil
}

// SaveRecord counts terminal records. Running records are ignored.
func (m *Metrics) SaveRecord(_ context.Context, r orchestrator.RunRecord) error {
	if r.Status == orchestrator.StatusRunning {
		return nil
	}
	m.attempts.WithLabelValues(r.Subject, string(r.Status)).Inc()
	if r.Status == orchestrator.StatusCompleted && r.Rank != "" {
		m.ranks.WithLabelValues(r.Subject, r.Rank).Inc()
	}
	if d := r.Duration(); d > 0 {
		m.durations.WithLabelValues(r.Subject).Observe(d.Seconds())
	}
	return nil
}

// NavigationFailed is a navigator.FailureHook.
func (m *Metrics) NavigationFailed(_ context.Context, _ string, reason navigator.Reason) error {
	m.navFailures.WithLabelValues(string(reason)).Inc()
	return nil
}

// ObserveState is an orchestrator.StateListener.
func (m *Metrics) ObserveState(s orchestrator.RunState) {
	for _, rs := range runStates {
		v := 0.0
		if rs == s {
			v = 1
		}
		m.state.WithLabelValues(string(rs)).Set(v)
	}
}

// RegisterCapture exposes pump counters read at scrape time.
func RegisterCapture(reg prometheus.Registerer, stats func() perception.Stats) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Frames published by the capture pump.",
		}, func() float64 { return float64(stats().Frames) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "errors_total",
			Help:      "Failed capture attempts.",
		}, func() float64 { return float64(stats().Errors) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "restarts_total",
			Help:      "Recoveries after a failing capture streak.",
		}, func() float64 { return float64(stats().Restarts) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "fps",
			Help:      "Average frames per second since the pump started.",
		}, func() float64 { return stats().FPS }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register capture collector: %w", err)
		}
	}
	return nil
}
