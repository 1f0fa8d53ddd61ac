package observability

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records events as Prometheus series.
type Metrics struct {
	stages   *prometheus.CounterVec
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_stage_events_total",
			Help: "Pipeline stage events by stage",
		}, []string{"stage"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_upstream_attempts_total",
			Help: "Upstream attempts by status code (0 for transport errors)",
		}, []string{"status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenrelay_request_duration_seconds",
			Help:    "End-to-end relayed request latency by outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_tokens_total",
			Help: "Accounted tokens by kind and usage source",
		}, []string{"kind", "source"}),
	}
	reg.MustRegister(m.stages, m.attempts, m.latency, m.tokens)
	return m
}

func (m *Metrics) Emit(_ context.Context, ev Event) {
	m.stages.WithLabelValues(string(ev.Stage)).Inc()

	switch ev.Stage {
	case StageForwarded, StageRetried:
		m.attempts.WithLabelValues(strconv.Itoa(ev.StatusCode)).Inc()
	case StageCompleted:
		m.latency.WithLabelValues(ev.Outcome).Observe(ev.Duration.Seconds())
		m.tokens.WithLabelValues("prompt", ev.UsageSource).Add(float64(ev.PromptTokens))
		m.tokens.WithLabelValues("completion", ev.UsageSource).Add(float64(ev.CompletionTokens))
	}
}

// Probes are read at scrape time. Nil fields are not registered.
type Probes struct {
	// BreakerState returns "closed", "half-open", "open" or "disabled".
	BreakerState func() string
	// SyncWrites returns the usage entries written around a full buffer.
	SyncWrites func() int64
}

var circuitStates = map[string]float64{"closed": 0, "half-open": 1, "open": 2}

// RegisterProbes exposes component state that is not event driven.
func RegisterProbes(reg prometheus.Registerer, p Probes) {
	if p.BreakerState != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tokenrelay_upstream_circuit_state",
			Help: "Upstream circuit breaker state: 0 closed, 1 half-open, 2 open, -1 disabled",
		}, func() float64 {
			if v, ok := circuitStates[p.BreakerState()]; ok {
				return v
			}
			return -1
		}))
	}
	if p.SyncWrites != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tokenrelay_usage_sync_writes_total",
			Help: "Usage entries written synchronously because the buffer was full",
		}, func() float64 { return float64(p.SyncWrites()) }))
	}
}
