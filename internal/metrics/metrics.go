package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	CycleCount       *prometheus.CounterVec
	CycleFailures    *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	MessagesListed   *prometheus.CounterVec
	MessagesHandled  *prometheus.CounterVec
	TriageDecisions  *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	DraftsGenerated  prometheus.Counter
	DraftFailures    prometheus.Counter
	SendSuccesses    prometheus.Counter
	SendFailures     prometheus.Counter
	PendingDrafts    prometheus.Gauge
	UpstreamCalls    *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
	RateLimitWait    *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	CredentialLookup *prometheus.CounterVec
}

// NewMetrics creates the metric set on the given registerer. Passing nil
// registers on the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CycleCount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_cycles_total",
			Help: "Total number of polling cycles started per account",
		}, []string{"account"}),
		CycleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_cycle_failures_total",
			Help: "Polling cycles that ended early, by reason",
		}, []string{"account", "reason"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inbox_triage_cycle_duration_seconds",
			Help:    "Time spent in one polling cycle",
			Buckets: prometheus.DefBuckets,
		}, []string{"account"}),
		MessagesListed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_messages_listed_total",
			Help: "Messages returned by the message source",
		}, []string{"account"}),
		MessagesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_messages_handed_off_total",
			Help: "Messages handed to the orchestrator",
		}, []string{"account"}),
		TriageDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_decisions_total",
			Help: "Triage decisions by category and origin",
		}, []string{"category", "origin"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_state_transitions_total",
			Help: "Message state transitions by target state",
		}, []string{"to"}),
		DraftsGenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_triage_drafts_generated_total",
			Help: "Drafts generated and exposed for approval",
		}),
		DraftFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_triage_draft_failures_total",
			Help: "Draft generations that failed after retries",
		}),
		SendSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_triage_send_successes_total",
			Help: "Approved drafts sent successfully",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_triage_send_failures_total",
			Help: "Approved drafts whose send failed after retries",
		}),
		PendingDrafts: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_triage_pending_drafts",
			Help: "Drafts currently awaiting a human decision",
		}),
		UpstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_upstream_calls_total",
			Help: "Upstream call attempts by upstream and outcome",
		}, []string{"upstream", "outcome"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inbox_triage_upstream_latency_seconds",
			Help:    "Latency of upstream call attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inbox_triage_circuit_state",
			Help: "Circuit breaker state per upstream (0 closed, 1 open, 2 half-open)",
		}, []string{"upstream"}),
		RateLimitWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inbox_triage_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"upstream"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_cache_lookups_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),
		CredentialLookup: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_triage_credential_resolutions_total",
			Help: "Credential resolutions by satisfying backend",
		}, []string{"backend"}),
	}
}
