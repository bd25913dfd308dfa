// Package metrics holds the worker's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components built without a registry
// (tests, one-off tools) need no special casing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "comfyworker"

type Metrics struct {
	invocations     *prometheus.CounterVec
	pollAttempts    prometheus.Counter
	jobDuration     *prometheus.HistogramVec
	storageFailures *prometheus.CounterVec
	artifacts       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Invocations handled, by outcome code.",
		}, []string{"outcome"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_polls_total",
			Help:      "History requests issued while waiting for a prompt.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from submission to terminal status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Object store operations that failed, by operation and kind.",
		}, []string{"op", "kind"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Artifacts assembled into responses, by kind.",
		}, []string{"kind"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.invocations,
		m.pollAttempts,
		m.jobDuration,
		m.storageFailures,
		m.artifacts,
	)
	return m
}

func (m *Metrics) Invocation(outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PollAttempt() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

func (m *Metrics) ObserveDuration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) StorageFailure(op, kind string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) Artifact(kind string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
