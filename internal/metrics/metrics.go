package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_routing_decisions_total",
			Help: "Total number of routing decisions by orchestration mode and task type",
		},
		[]string{"mode", "task_type"},
	)

	RoutingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_routing_fallbacks_total",
			Help: "Number of times narrowing emptied the candidate set and routing fell back",
		},
		[]string{"reason"},
	)

	RoutingCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskrouter_routing_selected_agents",
			Help:    "Number of agents selected per routing decision",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	RoutingEstimatedCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskrouter_routing_estimated_cost_usd",
			Help:    "Estimated cost in USD per routing decision",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
	)

	UnresolvedModels = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrouter_unresolved_models_total",
			Help: "Agents excluded because their model id has no registry entry",
		},
	)

	// Orchestration metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_runs_started_total",
			Help: "Total number of orchestration runs started",
		},
		[]string{"mode"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_runs_finished_total",
			Help: "Total number of orchestration runs finished",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_run_duration_seconds",
			Help:    "Orchestration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RunRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_run_rounds",
			Help:    "Rounds executed per orchestration run",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
		[]string{"mode"},
	)

	// Agent call metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_agent_calls_total",
			Help: "Total number of agent calls by outcome",
		},
		[]string{"mode", "outcome"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_agent_call_duration_ms",
			Help:    "Agent call duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"mode"},
	)

	AgentTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_agent_tokens_total",
			Help: "Tokens reported by agent calls",
		},
		[]string{"model", "direction"},
	)

	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_breaker_state_changes_total",
			Help: "Circuit breaker state transitions per model",
		},
		[]string{"model", "to"},
	)

	RateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_rate_limit_wait_seconds",
			Help:    "Time spent waiting on provider rate limiters",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"provider"},
	)

	// Registry metrics
	RegistryReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_registry_reloads_total",
			Help: "Model registry reload attempts",
		},
		[]string{"status"},
	)

	RegistryModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrouter_registry_models",
			Help: "Number of models in the current registry snapshot",
		},
	)

	// Streaming and archive metrics
	StreamPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_stream_publish_errors_total",
			Help: "Failed attempts to publish run events",
		},
		[]string{"backend"},
	)

	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_archive_writes_total",
			Help: "Run archive write attempts",
		},
		[]string{"status"},
	)

	// Policy metrics
	PolicyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_policy_evaluations_total",
			Help: "Agent admission policy evaluations by result",
		},
		[]string{"result"},
	)
)
