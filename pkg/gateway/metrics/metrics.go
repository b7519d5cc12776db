// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway records. Construct once in main
// and inject where needed.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	CallerEvents      *prometheus.CounterVec
	UpstreamEvents    *prometheus.CounterVec
	PipelineFailures  prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	ToolCallDuration  prometheus.Histogram
	DroppedFrames     prometheus.Counter
	UpstreamDialError prometheus.Counter
}

// New registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in main, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callgw_sessions_active",
			Help: "Currently open relay sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "callgw_sessions_total",
			Help: "Relay sessions accepted since start.",
		}),
		CallerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgw_caller_events_total",
			Help: "Caller messages relayed, by type.",
		}, []string{"type"}),
		UpstreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgw_upstream_events_total",
			Help: "Upstream events relayed, by type.",
		}, []string{"type"}),
		PipelineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "callgw_pipeline_failures_total",
			Help: "Audio pipeline errors; original audio was forwarded.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgw_tool_calls_total",
			Help: "Tool invocations, by tool name.",
		}, []string{"tool"}),
		ToolCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callgw_tool_call_duration_seconds",
			Help:    "Tool handler latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "callgw_dropped_frames_total",
			Help: "Inbound frames dropped due to decode errors.",
		}),
		UpstreamDialError: factory.NewCounter(prometheus.CounterOpts{
			Name: "callgw_upstream_dial_errors_total",
			Help: "Failed upstream realtime dials.",
		}),
	}
}
