// Package metrics defines the process-wide Prometheus instruments. The HTTP
// server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsStarted counts workflow executions by trigger type.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_executions_started_total",
		Help: "Workflow executions started, by trigger type.",
	}, []string{"trigger_type"})

	// ExecutionsFinished counts terminal executions by status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_executions_finished_total",
		Help: "Workflow executions reaching a terminal status.",
	}, []string{"status"})

	// ExecutionDuration observes end-to-end execution latency.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_execution_duration_seconds",
		Help:    "End-to-end workflow execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// NodeAttempts counts node attempts by role and outcome.
	NodeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_node_attempts_total",
		Help: "Node execution attempts, by node role and outcome.",
	}, []string{"role", "outcome"})

	// DLQDepth tracks dead-letter items written minus replayed.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_dlq_items",
		Help: "Dead-letter items written and not yet replayed.",
	})

	// WebhookDeliveries counts webhook intake outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_webhook_deliveries_total",
		Help: "Webhook deliveries, by outcome (accepted, duplicate, rejected).",
	}, []string{"outcome"})

	// PollingEvents counts events emitted by the polling scheduler.
	PollingEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_polling_events_total",
		Help: "Events emitted by polling triggers after dedupe.",
	})

	// LLMCalls counts LLM shell calls by cache outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_llm_calls_total",
		Help: "LLM shell calls, by cache outcome (hit, miss).",
	}, []string{"cache"})

	// LLMCostUSD accumulates LLM spend.
	LLMCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_llm_cost_usd_total",
		Help: "Accumulated LLM spend in USD.",
	})
)
