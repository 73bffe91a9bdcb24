package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuestionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neo_question_duration_seconds",
			Help:    "Question processing duration in seconds",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180},
		},
		[]string{"tier"},
	)

	QuestionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_question_total",
			Help: "Total number of questions processed",
		},
		[]string{"tier", "status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neo_upstream_query_seconds",
			Help:    "Upstream gateway query latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 90},
		},
		[]string{"database"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_upstream_errors_total",
			Help: "Upstream gateway query errors by kind",
		},
		[]string{"database", "kind"},
	)

	AgentTurns = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neo_agent_turns",
			Help:    "Turns used per agent run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 25},
		},
	)

	AgentTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_agent_terminations_total",
			Help: "Agent run terminal reasons",
		},
		[]string{"reason"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	SemanticCacheSimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neo_semantic_cache_similarity",
			Help:    "Best-match similarity on semantic cache lookups",
			Buckets: []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0},
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neo_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

func Init() {
	prometheus.MustRegister(QuestionDuration)
	prometheus.MustRegister(QuestionTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(UpstreamLatency)
	prometheus.MustRegister(UpstreamErrors)
	prometheus.MustRegister(AgentTurns)
	prometheus.MustRegister(AgentTerminations)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(SemanticCacheSimilarity)
	prometheus.MustRegister(RateLimited)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
