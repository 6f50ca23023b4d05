package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts served queries.
	// Labels: result (cached, generated, error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datasheetd",
			Subsystem: "engine",
			Name:      "queries_total",
			Help:      "Total number of queries by outcome",
		},
		[]string{"result"},
	)

	// GenerationDuration tracks how long answer generation takes.
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "datasheetd",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Duration of answer generation in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// LearnFailuresTotal counts interactions that could not be learned.
	LearnFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datasheetd",
			Subsystem: "engine",
			Name:      "learn_failures_total",
			Help:      "Total number of failed learning attempts",
		},
	)

	// IndexNodes reports the current number of indexed nodes.
	IndexNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datasheetd",
			Subsystem: "index",
			Name:      "nodes",
			Help:      "Number of nodes in the live index",
		},
	)

	// IndexDrift indicates the in-memory index is ahead of its snapshot
	// (1=drifted, 0=in sync).
	IndexDrift = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datasheetd",
			Subsystem: "index",
			Name:      "drift",
			Help:      "Whether the in-memory index is ahead of its snapshot (1=drifted)",
		},
	)
)
