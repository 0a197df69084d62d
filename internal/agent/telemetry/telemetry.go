package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/heliodesk/heliodesk/config"
)

// Telemetry collects request, model, and tool metrics for the assist engine.
// A nil *Telemetry is valid and records nothing, so wiring stays optional in
// tests.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	assistRuns      *prometheus.CounterVec
	assistDuration  prometheus.Histogram
	modelCalls      *prometheus.CounterVec
	modelDuration   prometheus.Histogram
	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	activeStreams   prometheus.Gauge
}

// NewTelemetry creates a telemetry instance and registers its collectors on
// reg. Pass prometheus.DefaultRegisterer in the server; tests can pass a
// fresh registry.
func NewTelemetry(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	if !cfg.Enabled {
		return nil
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	t := &Telemetry{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		assistRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heliodesk_assist_runs_total",
			Help: "Assist requests by terminal status.",
		}, []string{"status"}),
		assistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "heliodesk_assist_duration_seconds",
			Help:    "End-to-end assist request duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heliodesk_model_calls_total",
			Help: "Chat-completion calls by outcome.",
		}, []string{"outcome"}),
		modelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "heliodesk_model_call_duration_seconds",
			Help:    "Chat-completion call duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heliodesk_tool_invocations_total",
			Help: "Tool backend invocations by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heliodesk_tool_duration_seconds",
			Help:    "Tool backend invocation duration by tool.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heliodesk_active_assist_streams",
			Help: "Currently open assist event streams.",
		}),
	}
	reg.MustRegister(t.assistRuns, t.assistDuration, t.modelCalls, t.modelDuration,
		t.toolInvocations, t.toolDuration, t.activeStreams)
	return t
}

// RecordAssist records one finished assist request.
func (t *Telemetry) RecordAssist(status string, d time.Duration) {
	if t == nil {
		return
	}
	t.assistRuns.WithLabelValues(status).Inc()
	t.assistDuration.Observe(d.Seconds())
}

// RecordModelCall records one chat-completion attempt outcome.
func (t *Telemetry) RecordModelCall(outcome string, d time.Duration) {
	if t == nil {
		return
	}
	t.modelCalls.WithLabelValues(outcome).Inc()
	t.modelDuration.Observe(d.Seconds())
}

// RecordToolInvocation records one tool backend invocation.
func (t *Telemetry) RecordToolInvocation(tool, status string, d time.Duration) {
	if t == nil {
		return
	}
	t.toolInvocations.WithLabelValues(tool, status).Inc()
	t.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// StreamOpened marks an assist stream as active.
func (t *Telemetry) StreamOpened() {
	if t == nil {
		return
	}
	t.activeStreams.Inc()
}

// StreamClosed marks an assist stream as finished.
func (t *Telemetry) StreamClosed() {
	if t == nil {
		return
	}
	t.activeStreams.Dec()
}
