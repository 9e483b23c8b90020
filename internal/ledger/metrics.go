package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiimagebot_ledger_operations_total",
		Help: "Ledger operations by name and outcome.",
	}, []string{"op", "result"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiimagebot_ledger_retries_total",
		Help: "Ledger storage retries by operation.",
	}, []string{"op"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiimagebot_ledger_operation_duration_seconds",
		Help:    "Ledger operation latency.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	unknownStateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiimagebot_ledger_unknown_state_total",
		Help: "Writes that failed in a state requiring manual reconciliation.",
	})
)
