// Package metrics exposes the relay's Prometheus collectors on a
// private registry so the /metrics surface never leaks Go runtime
// collectors registered elsewhere in the process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeRejected  = "rejected"
	OutcomeCanceled  = "canceled"
)

// Probe result label values.
const (
	ProbePass = "pass"
	ProbeFail = "fail"
)

// WAF solve outcome label values.
const (
	SolveOK     = "ok"
	SolveFailed = "failed"
)

// Config controls metric exposure.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// Metrics holds every collector the relay records into. A disabled
// config turns every Record call into a no-op while /metrics keeps
// serving the (empty) registry.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	failoversTotal  *prometheus.CounterVec
	probeResults    *prometheus.CounterVec
	wafSolves       *prometheus.CounterVec
}

// New builds the collector set. The two callbacks feed the gauges that
// mirror live breaker and cooldown state at scrape time.
func New(cfg Config, openBreakers, activeCooldowns func() int) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "relay"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "requests_total",
				Help:      "Total relayed requests by family and outcome",
			},
			[]string{"family", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"family"},
		),
		failoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "failovers_total",
				Help:      "Candidate switches forced by upstream failures",
			},
			[]string{"family"},
		),
		probeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "probe_results_total",
				Help:      "Synthetic probe outcomes",
			},
			[]string{"result"},
		),
		wafSolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "waf_solves_total",
				Help:      "WAF challenge solve attempts by vendor",
			},
			[]string{"vendor", "outcome"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.failoversTotal,
		m.probeResults,
		m.wafSolves,
	)

	if openBreakers != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "breaker_open",
				Help:      "Breakers currently open",
			},
			func() float64 { return float64(openBreakers()) },
		))
	}
	if activeCooldowns != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "cooldowns_active",
				Help:      "Providers currently cooling down",
			},
			func() float64 { return float64(activeCooldowns()) },
		))
	}

	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts a finished request and its duration.
func (m *Metrics) RecordRequest(family, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.requestsTotal.WithLabelValues(family, outcome).Inc()
	m.requestDuration.WithLabelValues(family).Observe(duration.Seconds())
}

// RecordFailover counts a switch to the next candidate.
func (m *Metrics) RecordFailover(family string) {
	if !m.enabled {
		return
	}
	m.failoversTotal.WithLabelValues(family).Inc()
}

// RecordProbe counts a synthetic probe outcome.
func (m *Metrics) RecordProbe(result string) {
	if !m.enabled {
		return
	}
	m.probeResults.WithLabelValues(result).Inc()
}

// RecordWAFSolve counts a challenge solve attempt.
func (m *Metrics) RecordWAFSolve(vendor, outcome string) {
	if !m.enabled {
		return
	}
	m.wafSolves.WithLabelValues(vendor, outcome).Inc()
}
