// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentProcessDuration tracks how long agent processes run, by terminal state.
	AgentProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wfstudio_agent_process_duration_seconds",
			Help:    "Agent process wall time in seconds",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"result"},
	)

	// AgentProcessesRunning tracks registered agent processes.
	AgentProcessesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wfstudio_agent_processes_running",
			Help: "Number of agent processes in the process table",
		},
	)

	// RefinementsTotal counts refinement outcomes.
	RefinementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wfstudio_refinements_total",
			Help: "Total refinement requests by outcome and error kind",
		},
		[]string{"outcome", "error_kind"},
	)

	// RefinementDuration tracks end-to-end refinement latency.
	RefinementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wfstudio_refinement_duration_seconds",
			Help:    "Refinement duration from receipt to outcome",
			Buckets: []float64{.01, .1, .5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// PromptBytes tracks the size of prompts sent to the agent.
	PromptBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wfstudio_prompt_bytes",
			Help:    "Size of rendered prompts in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		},
	)

	// PromptTokens tracks the estimated token count of prompts sent to the agent.
	PromptTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wfstudio_prompt_tokens_estimated",
			Help:    "Estimated prompt size in tokens",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		},
	)

	// EventSubscribers tracks active presentation-layer subscriptions.
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wfstudio_event_subscribers",
			Help: "Number of active session event subscribers",
		},
	)

	// EventsDropped counts events discarded because a subscriber fell behind.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wfstudio_events_dropped_total",
			Help: "Session events dropped for slow subscribers",
		},
	)
)

// RecordProcess records one finished agent process.
func RecordProcess(result string, d time.Duration) {
	AgentProcessDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordPrompt records the size of one rendered prompt.
func RecordPrompt(bytes, tokens int) {
	PromptBytes.Observe(float64(bytes))
	PromptTokens.Observe(float64(tokens))
}

// RecordRefinement records one refinement outcome.
func RecordRefinement(outcome, errorKind string, d time.Duration) {
	RefinementsTotal.WithLabelValues(outcome, errorKind).Inc()
	RefinementDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
