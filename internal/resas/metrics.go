package resas

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popchart",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Population API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "popchart",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Population API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
)
