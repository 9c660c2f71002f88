package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netatmo"

var (
	authAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts against the Netatmo API.",
	})
	pollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Poll cycles started.",
	})
	pollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_failures_total",
		Help:      "Poll cycles that failed to fetch a snapshot.",
	})
	recordsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_emitted_total",
		Help:      "Telemetry records stored by the sink, by kind.",
	}, []string{"kind"})
	fieldsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fields_dropped_total",
		Help:      "Vendor fields without a telemetry kind or numeric value.",
	})
	unresolvedLabels = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unresolved_labels_total",
		Help:      "Module labels that matched no registered location.",
	})
	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_errors_total",
		Help:      "Records the sink failed to store.",
	})
)
