package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platecam",
		Name:      "captures_total",
		Help:      "Capture attempts by origin (camera, file) and gate result.",
	}, []string{"origin", "result"})

	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platecam",
		Name:      "submissions_total",
		Help:      "Completed submissions by outcome.",
	}, []string{"outcome"})

	submitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "platecam",
		Name:      "submission_duration_seconds",
		Help:      "Time from submission start to response.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)
