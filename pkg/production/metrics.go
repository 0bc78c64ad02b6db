package production

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellar",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Engine operations by outcome (ok, error code, or internal).",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellar",
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Wall time of engine operations including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	txRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellar",
		Subsystem: "engine",
		Name:      "tx_retries_total",
		Help:      "Transactions retried after a serialization failure or deadlock.",
	}, []string{"operation"})

	tankReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cellar",
		Subsystem: "engine",
		Name:      "tank_releases_total",
		Help:      "Tanks released to NEEDS_CIP.",
	})

	batchesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cellar",
		Subsystem: "engine",
		Name:      "batches_completed_total",
		Help:      "Batches advanced to COMPLETED by the lineage cascade.",
	})
)

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return "internal"
}
