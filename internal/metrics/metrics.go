package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"pattern"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"pattern", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadre_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pattern"},
	)

	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadre_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadre_task_tokens_used",
			Help:    "Number of tokens used per task",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadre_task_cost_usd",
			Help:    "Cost in USD per task",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent_type", "status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadre_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent_type"},
	)

	AgentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_agent_retries_total",
			Help: "Total number of agent execution retries",
		},
		[]string{"agent_type", "kind"},
	)

	// Decomposition metrics
	DecompositionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadre_decomposition_latency_seconds",
			Help:    "Task decomposition latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DecompositionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadre_decomposition_errors_total",
			Help: "Total number of decomposition errors",
		},
	)

	// Synthesis metrics
	SynthesisCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_synthesis_calls_total",
			Help: "Total number of synthesis calls",
		},
		[]string{"tier", "status"},
	)

	// Streaming metrics
	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadre_stream_events_published_total",
			Help: "Total number of workflow events published",
		},
	)

	StreamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_stream_events_dropped_total",
			Help: "Total number of workflow events dropped by backpressure",
		},
		[]string{"policy"},
	)

	// Budget metrics
	BudgetBackpressure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadre_budget_backpressure_total",
			Help: "Total number of dispatches delayed by budget backpressure",
		},
	)

	BudgetDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadre_budget_denials_total",
			Help: "Total number of subtasks denied by an exhausted token budget",
		},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_policy_decisions_total",
			Help: "Total number of admission policy decisions",
		},
		[]string{"decision"},
	)

	// Store metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadre_store_writes_total",
			Help: "Total number of store write operations",
		},
		[]string{"kind", "status"},
	)

	StoreQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadre_store_queue_depth",
			Help: "Current depth of the async store write queue",
		},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow
func RecordWorkflowMetrics(pattern, status string, durationSeconds float64, tokensUsed int, costUSD float64) {
	WorkflowsCompleted.WithLabelValues(pattern, status).Inc()
	WorkflowDuration.WithLabelValues(pattern).Observe(durationSeconds)

	if tokensUsed > 0 {
		TaskTokensUsed.Observe(float64(tokensUsed))
	}
	if costUSD > 0 {
		TaskCostUSD.Observe(costUSD)
	}
}

// RecordAgentMetrics records metrics for an agent execution
func RecordAgentMetrics(agentType, status string, durationMs float64) {
	AgentExecutions.WithLabelValues(agentType, status).Inc()
	AgentExecutionDuration.WithLabelValues(agentType).Observe(durationMs)
}
