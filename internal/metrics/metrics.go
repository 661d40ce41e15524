// Package metrics exposes the platform's Prometheus collectors. All
// collectors are registered at init through promauto; callers import
// and increment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesIngested counts accepted batches by source.
	BatchesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_batches_ingested_total",
		Help: "Batches accepted for processing, by source.",
	}, []string{"source"})

	// LinesTerminal counts lines reaching a terminal state.
	LinesTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_lines_terminal_total",
		Help: "Lines reaching a terminal state, by state.",
	}, []string{"state"})

	// RecordsRejected counts ingestion rows rejected at parse time.
	RecordsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_records_rejected_total",
		Help: "Input records rejected during ingestion.",
	})

	// AgentInvocations counts agent step executions by agent and outcome.
	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_agent_invocations_total",
		Help: "Agent step invocations, by agent and outcome.",
	}, []string{"agent", "outcome"})

	// AgentDuration observes per-step latency.
	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_agent_duration_seconds",
		Help:    "Agent step duration.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"agent"})

	// RailAttempts counts execution attempts by rail and outcome.
	RailAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_rail_attempts_total",
		Help: "Rail execution attempts, by rail and outcome.",
	}, []string{"rail", "outcome"})

	// ActiveWorkflows gauges workflows currently running.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payflow_active_workflows",
		Help: "Workflows currently in flight.",
	})

	// OverridesApplied counts operator overrides accepted.
	OverridesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_overrides_applied_total",
		Help: "Operator overrides accepted on held lines.",
	})
)
