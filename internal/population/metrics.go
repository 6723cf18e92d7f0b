package population

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popchart",
		Subsystem: "composition_cache",
		Name:      "lookups_total",
		Help:      "Composition cache lookups by result (hit or miss).",
	}, []string{"result"})

	cacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popchart",
		Subsystem: "composition_cache",
		Name:      "fetches_total",
		Help:      "Upstream composition fetches issued by the cache, by outcome.",
	}, []string{"outcome"})
)
