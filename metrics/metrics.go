// Package metrics exposes pipeshard's Prometheus collectors: per-stage
// forward latency, request counts, taint events, and in-flight request
// gauges.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Orchestrator holds the orchestrator-side collector set.
type Orchestrator struct {
	RequestsTotal     *prometheus.CounterVec
	RequestErrors     *prometheus.CounterVec
	InferDuration     prometheus.Histogram
	ActiveRequests    prometheus.Gauge
	TaintEventsTotal  prometheus.Counter
	HealthCheckErrors prometheus.Counter
}

// NewOrchestrator registers and returns the orchestrator collector set
// under reg. Pass prometheus.NewRegistry() in tests to avoid colliding
// with the default global registry.
func NewOrchestrator(reg prometheus.Registerer) *Orchestrator {
	m := &Orchestrator{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeshard",
			Subsystem: "orchestrator",
			Name:      "requests_total",
			Help:      "Total infer() calls by outcome.",
		}, []string{"outcome"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeshard",
			Subsystem: "orchestrator",
			Name:      "request_errors_total",
			Help:      "infer() failures by error kind.",
		}, []string{"kind"}),
		InferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pipeshard",
			Subsystem: "orchestrator",
			Name:      "infer_duration_seconds",
			Help:      "Wall-clock duration of infer() calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeshard",
			Subsystem: "orchestrator",
			Name:      "active_requests",
			Help:      "Number of infer() calls currently in flight.",
		}),
		TaintEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeshard",
			Subsystem: "orchestrator",
			Name:      "taint_events_total",
			Help:      "Number of times the pipeline transitioned to Tainted.",
		}),
		HealthCheckErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeshard",
			Subsystem: "orchestrator",
			Name:      "health_check_errors_total",
			Help:      "Number of failed or timed-out health checks.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestErrors, m.InferDuration, m.ActiveRequests, m.TaintEventsTotal, m.HealthCheckErrors)
	return m
}

// Stage holds the stage-side collector set.
type Stage struct {
	ForwardDuration *prometheus.HistogramVec
	ForwardErrors   prometheus.Counter
	RequestsServed  prometheus.Counter
}

// NewStage registers and returns the stage collector set under reg.
func NewStage(reg prometheus.Registerer, stageIdx uint32) *Stage {
	s := &Stage{
		ForwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pipeshard",
			Subsystem:   "stage",
			Name:        "forward_duration_seconds",
			Help:        "Duration of individual executor.Forward calls.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"stage_idx": uint32Label(stageIdx)},
		}, []string{"outcome"}),
		ForwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pipeshard",
			Subsystem:   "stage",
			Name:        "forward_errors_total",
			Help:        "Number of executor.Forward errors.",
			ConstLabels: prometheus.Labels{"stage_idx": uint32Label(stageIdx)},
		}),
		RequestsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pipeshard",
			Subsystem:   "stage",
			Name:        "requests_served_total",
			Help:        "Number of StartRequest cycles completed.",
			ConstLabels: prometheus.Labels{"stage_idx": uint32Label(stageIdx)},
		}),
	}
	reg.MustRegister(s.ForwardDuration, s.ForwardErrors, s.RequestsServed)
	return s
}

func uint32Label(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
