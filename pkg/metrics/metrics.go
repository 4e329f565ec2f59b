package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PgErrCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetmatch",
		Subsystem: "pg",
		Name:      "pg_err_count",
	}, []string{"method"})
	PgDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meetmatch",
		Subsystem: "pg",
		Name:      "pg_duration",
	}, []string{"method"})

	// LinkAttempts counts paired link attempts by outcome.
	LinkAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetmatch",
		Subsystem: "matcher",
		Name:      "link_attempts_total",
	}, []string{"flow", "outcome"})
	// Matches counts match runs by result: linked, seeking, failed.
	Matches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetmatch",
		Subsystem: "matcher",
		Name:      "matches_total",
	}, []string{"flow", "result"})
	CandidatePool = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meetmatch",
		Subsystem: "matcher",
		Name:      "candidate_pool_size",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetmatch",
		Subsystem: "notifier",
		Name:      "notifications_total",
	}, []string{"kind", "status"})
)
