package journal

import "github.com/prometheus/client_golang/prometheus"

var (
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "journal",
			Name:      "dropped_events_total",
			Help:      "Lifecycle events discarded because the journal queue was full",
		},
	)

	writeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "journal",
			Name:      "write_errors_total",
			Help:      "Journal rows that failed to write",
		},
	)
)

func init() {
	prometheus.MustRegister(droppedEvents, writeErrors)
}
