// Package metrics exposes Prometheus counters for the confirmation flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InterceptDecisions counts pre-send evaluations by outcome and fail-open reason.
	InterceptDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf7me_intercept_decisions_total",
		Help: "Submissions seen at the pre-send hook, by outcome and reason",
	}, []string{"outcome", "reason"})

	// ConfirmRenders counts confirmation page renders.
	ConfirmRenders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf7me_confirm_renders_total",
		Help: "Confirmation page renders, by result",
	}, []string{"result"})

	// Finalizations counts confirm submissions by result.
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf7me_finalizations_total",
		Help: "Confirm submissions, by result",
	}, []string{"result"})

	// FinalizeLatency records how long the replay through the host takes.
	FinalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cf7me_finalize_duration_seconds",
		Help:    "Time taken to replay a staged submission through the host",
		Buckets: prometheus.DefBuckets,
	})

	// ReapedSubmissions counts staged submissions removed by the reaper.
	ReapedSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf7me_reaped_submissions_total",
		Help: "Expired staged submissions removed by the scheduled reaper",
	})
)
