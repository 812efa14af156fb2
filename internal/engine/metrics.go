package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the consistency engine's observable behavior. The
// reconciliation counters are the interesting ones operationally: a rising
// heal count means the realtime feed is dropping events.
type Metrics struct {
	FeedEvents         prometheus.Counter
	StaleEventsDropped prometheus.Counter

	RecapAttempts prometheus.Counter
	PollTimeouts  prometheus.Counter

	ReconcileReads prometheus.Counter
	ReconcileHeals prometheus.Counter

	RecapResolveSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_engine_feed_events_total",
			Help: "Change-feed events observed across all call sessions",
		}),
		StaleEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_engine_stale_events_dropped_total",
			Help: "Feed events ignored because they would regress call status",
		}),
		RecapAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_engine_recap_attempts_total",
			Help: "Recap generation requests issued (initial and retries)",
		}),
		PollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_engine_recap_poll_timeouts_total",
			Help: "Recap polls that exhausted their budget and failed locally",
		}),
		ReconcileReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_engine_reconcile_reads_total",
			Help: "Out-of-band authoritative store reads triggered by staleness",
		}),
		ReconcileHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_engine_reconcile_heals_total",
			Help: "Reconciliation reads that adopted state the feed had missed",
		}),
		RecapResolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "call_engine_recap_resolve_seconds",
			Help:    "Time from recap request to a resolved recap status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FeedEvents, m.StaleEventsDropped,
			m.RecapAttempts, m.PollTimeouts,
			m.ReconcileReads, m.ReconcileHeals,
			m.RecapResolveSeconds,
		)
	}
	return m
}
