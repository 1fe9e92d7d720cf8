package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_feed_transitions_total",
		Help: "Coordinator phase transitions by target phase.",
	}, []string{"phase"})
	degradationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_feed_degradations_total",
		Help: "Subscriptions retried with the fallback constraint set.",
	})
	snapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_feed_snapshots_total",
		Help: "Store deliveries applied to a catalog index.",
	})
	feedErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_feed_errors_total",
		Help: "Live feed failures other than unsupported constraints.",
	})
)
