package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes router counters. Labels stay coarse; key IDs are bounded
// by the credential inventory so a per-key label is safe, secrets never are.
type Metrics struct {
	completions    *prometheus.CounterVec
	rateLimitHits  *prometheus.CounterVec
	safetyRejects  prometheus.Counter
	tierEscalation prometheus.Counter
	keyCooldowns   *prometheus.CounterVec
}

// NewMetrics registers router metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "completions_total",
			Help:      "Completion calls by terminal outcome.",
		}, []string{"outcome"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "rate_limit_hits_total",
			Help:      "Budget denials and provider 429s per key.",
		}, []string{"key_id"}),
		safetyRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "safety_rejections_total",
			Help:      "Provider content rejections.",
		}),
		tierEscalation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "tier_escalations_total",
			Help:      "Workload tier escalations after content rejections.",
		}),
		keyCooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "key_cooldowns_total",
			Help:      "Cooldowns applied per key and reason.",
		}, []string{"key_id", "reason"}),
	}
	reg.MustRegister(
		m.completions,
		m.rateLimitHits,
		m.safetyRejects,
		m.tierEscalation,
		m.keyCooldowns,
	)
	return m
}
