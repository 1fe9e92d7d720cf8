package mutation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_mutations_total",
		Help: "Catalog writes by operation and outcome.",
	}, []string{"op", "outcome"})
	cascadeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_attachment_cascade_failures_total",
		Help: "Attachments left behind after their document was deleted.",
	})
)

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mutationsTotal.WithLabelValues(op, outcome).Inc()
}
