package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for itemsProcessed.
const (
	outcomeCompleted  = "completed"
	outcomeRetry      = "retry"
	outcomeDeadLetter = "dead_letter"
	outcomeSkipped    = "skipped"
	outcomeError      = "error"
)

var (
	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "items_processed_total",
			Help:      "Total number of queue items processed, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	itemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "calsync",
			Name:      "item_processing_duration_seconds",
			Help:      "Duration of queue item processing, lock scope included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	lockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "lock_contention_total",
		Help:      "Number of items skipped because another holder had the lock.",
	})
	connectionsInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "connections_invalidated_total",
		Help:      "Number of workspace connections flagged invalid after an auth failure.",
	})
	itemsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "items_swept_total",
		Help:      "Number of finished queue items removed by the retention sweep.",
	})
)
