package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// A2A protocol metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_a2a_messages_sent_total",
			Help: "Total number of A2A messages sent, by message type",
		},
		[]string{"type"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_a2a_messages_delivered_total",
			Help: "Total number of inbound A2A messages, by type and outcome (resolved/dropped)",
		},
		[]string{"type", "outcome"},
	)

	AwaitTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_a2a_await_timeouts_total",
			Help: "Total number of awaits that timed out, by phase",
		},
		[]string{"phase"},
	)

	DuplicateAwaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabench_a2a_duplicate_awaits_total",
			Help: "Total number of rejected overlapping awaits (caller bugs)",
		},
	)

	// Transport metrics
	TransportRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_transport_requests_total",
			Help: "Total number of outbound transport sends",
		},
		[]string{"mode", "status"},
	)

	TransportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabench_transport_request_duration_seconds",
			Help:    "Outbound transport send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Evaluation metrics
	EvaluationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabench_evaluations_started_total",
			Help: "Total number of task evaluations started",
		},
	)

	EvaluationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_evaluations_completed_total",
			Help: "Total number of task evaluations completed, by status",
		},
		[]string{"status"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabench_evaluation_duration_seconds",
			Help:    "Wall-clock duration of one task evaluation in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabench_task_cost_usd",
			Help:    "Judge and agent spend in USD per evaluated task",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	CallCostUSD = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabench_call_cost_usd",
			Help:    "Spend in USD per model call, by source",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"source"},
	)

	AlphaScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabench_alpha_score",
			Help:    "Final alpha score distribution",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	DimensionScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabench_dimension_score",
			Help:    "Dimension sub-score distribution in [0,100]",
			Buckets: []float64{10, 25, 50, 75, 90, 100},
		},
		[]string{"dimension"},
	)

	// Lookahead metrics
	LookaheadViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabench_lookahead_violations_total",
			Help: "Total number of lookahead violations flagged",
		},
	)

	// Debate metrics
	DebateOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_debate_outcomes_total",
			Help: "Total number of debates scored, by conviction level",
		},
		[]string{"conviction"},
	)

	// Ingest metrics
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_ingest_requests_total",
			Help: "Total number of inbound A2A ingest requests, by outcome",
		},
		[]string{"outcome"},
	)

	// Streaming metrics
	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabench_stream_events_published_total",
			Help: "Total number of evaluation events published",
		},
	)

	StreamSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabench_stream_subscribers_active",
			Help: "Number of active event stream subscribers",
		},
	)

	// Run registry metrics
	RunsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabench_runs_created_total",
			Help: "Total number of evaluation runs registered",
		},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabench_runs_active",
			Help: "Number of evaluation runs currently in progress",
		},
	)

	// Persistence metrics
	ResultWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_result_writes_total",
			Help: "Total number of outcome rows written, by status",
		},
		[]string{"status"},
	)

	ResultWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabench_result_write_queue_depth",
			Help: "Outcome rows waiting in the async write queue",
		},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabench_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)
)

// RecordEvaluationMetrics records metrics for one finished task evaluation
func RecordEvaluationMetrics(status string, durationSeconds, costUSD, alpha float64) {
	EvaluationsCompleted.WithLabelValues(status).Inc()
	EvaluationDuration.Observe(durationSeconds)

	if costUSD > 0 {
		TaskCostUSD.Observe(costUSD)
	}
	if status == "completed" {
		AlphaScores.Observe(alpha)
	}
}

// RecordTransportMetrics records metrics for one outbound send
func RecordTransportMetrics(mode, status string, durationSeconds float64) {
	TransportRequests.WithLabelValues(mode, status).Inc()
	TransportRequestDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordDimensionScore records one judge's sub-score
func RecordDimensionScore(dimension string, score float64) {
	DimensionScores.WithLabelValues(dimension).Observe(score)
}
