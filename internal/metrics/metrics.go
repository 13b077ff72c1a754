package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrun_runs_total",
			Help: "Total number of runs by outcome",
		},
		[]string{"language", "outcome"}, // outcome: "compile_error", "finished", "failed", "rejected"
	)

	CompileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termrun_compile_duration_ms",
			Help:    "Compilation duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termrun_run_duration_ms",
			Help:    "Wall-clock time from spawn to teardown in milliseconds",
			Buckets: []float64{10, 100, 1000, 10000, 60000, 300000, 1800000},
		},
		[]string{"language"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termrun_active_sessions",
			Help: "Number of sessions with a live process",
		},
	)

	OutputBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termrun_output_bytes_total",
			Help: "Bytes read from program terminals",
		},
	)

	SessionsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrun_sessions_reclaimed_total",
			Help: "Sessions torn down by something other than the program exiting",
		},
		[]string{"reason"}, // reason: "ended", "replaced", "idle", "unobserved", "time_limit", "shutdown"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termrun_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
