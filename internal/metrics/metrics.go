package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "price_pusher"

var (
	// Registry holds the pipeline collectors.
	Registry = prometheus.NewRegistry()

	pollRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "rounds_total",
			Help:      "Aggregation rounds by outcome.",
		},
		[]string{"status"},
	)

	sourceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "source_errors_total",
			Help:      "Failed fetches per source.",
		},
		[]string{"source"},
	)

	observedEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "observed_entries",
			Help:      "Entries currently held in the observed price table.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Batches waiting for the pusher.",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "notifications_total",
			Help:      "Update notifications raised per group.",
		},
		[]string{"group"},
	)

	oracleReadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "oracle_read_errors_total",
			Help:      "Failed oracle snapshot reads per group.",
		},
		[]string{"group"},
	)

	pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pusher",
			Name:      "batches_total",
			Help:      "Pushed batches by outcome.",
		},
		[]string{"status"},
	)

	pushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pusher",
			Name:      "batch_duration_seconds",
			Help:      "Time from submission to acceptance of a batch.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pusher",
			Name:      "batch_entries",
			Help:      "Entries per pushed batch.",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		},
	)

	consecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pusher",
			Name:      "consecutive_failures",
			Help:      "Current consecutive push failure count.",
		},
	)

	endpointSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "endpoint_switches_total",
			Help:      "RPC endpoint rotations by outcome.",
		},
		[]string{"status"},
	)

	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "health_probes_total",
			Help:      "Liveness probes against the active endpoint.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		pollRounds,
		sourceErrors,
		observedEntries,
		queueDepth,
		notifications,
		oracleReadErrors,
		pushes,
		pushDuration,
		batchSize,
		consecutiveFailures,
		endpointSwitches,
		healthProbes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordPollRound(status string)      { pollRounds.WithLabelValues(status).Inc() }
func RecordSourceError(source string)    { sourceErrors.WithLabelValues(source).Inc() }
func SetObservedEntries(n int)           { observedEntries.Set(float64(n)) }
func SetQueueDepth(n int)                { queueDepth.Set(float64(n)) }
func RecordNotification(group string)    { notifications.WithLabelValues(group).Inc() }
func RecordOracleReadError(group string) { oracleReadErrors.WithLabelValues(group).Inc() }
func SetConsecutiveFailures(n int)       { consecutiveFailures.Set(float64(n)) }
func RecordEndpointSwitch(status string) { endpointSwitches.WithLabelValues(status).Inc() }
func RecordHealthProbe(status string)    { healthProbes.WithLabelValues(status).Inc() }

// RecordPush records a finished push attempt.
func RecordPush(status string, entries int, seconds float64) {
	pushes.WithLabelValues(status).Inc()
	batchSize.Observe(float64(entries))
	if seconds > 0 {
		pushDuration.Observe(seconds)
	}
}
