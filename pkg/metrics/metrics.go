package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox / publisher
	outboxPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changeflow_outbox_published_total",
			Help: "Total number of outbox entries appended to the log and marked published.",
		},
	)
	outboxFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changeflow_outbox_failed_total",
			Help: "Total number of outbox entries that exhausted their publish retries.",
		},
	)
	outboxRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changeflow_outbox_retries_total",
			Help: "Total number of failed publish attempts.",
		},
	)
	publishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changeflow_publish_duration_seconds",
			Help:    "Time spent publishing a single outbox entry (seconds).",
			Buckets: prometheus.DefBuckets,
		},
	)
	outboxLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changeflow_outbox_lag_seconds",
			Help:    "Age of an outbox entry at the moment it is published (seconds).",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
	)

	// Consumer
	recordsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changeflow_records_processed_total",
			Help: "Total number of log records successfully applied.",
		},
	)
	processErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_process_errors_total",
			Help: "Total number of record processing errors.",
		},
		[]string{"topic"},
	)
	consumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changeflow_consumer_lag",
			Help: "Consumer lag (latest offset - committed offset - 1).",
		},
		[]string{"group", "topic", "partition"},
	)
	staleUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changeflow_stale_updates_total",
			Help: "Total number of records discarded as stale by the materializer.",
		},
	)

	// Coordinator
	rebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_rebalances_total",
			Help: "Total number of group rebalances.",
		},
		[]string{"group"},
	)

	// Dead letters
	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_dead_letters_total",
			Help: "Total number of records routed to the dead-letter sink.",
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

// Register installs all collectors on the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			outboxPublishedTotal,
			outboxFailedTotal,
			outboxRetriesTotal,
			publishDuration,
			outboxLagSeconds,
			recordsProcessedTotal,
			processErrorsTotal,
			consumerLag,
			staleUpdatesTotal,
			rebalancesTotal,
			deadLettersTotal,
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncOutboxPublished()        { outboxPublishedTotal.Inc() }
func IncOutboxFailed()           { outboxFailedTotal.Inc() }
func IncOutboxRetry()            { outboxRetriesTotal.Inc() }
func ObservePublishDuration(s float64) { publishDuration.Observe(s) }
func ObserveOutboxLagSeconds(s float64) { outboxLagSeconds.Observe(s) }

func IncRecordsProcessed()           { recordsProcessedTotal.Inc() }
func IncProcessError(topic string)   { processErrorsTotal.WithLabelValues(topic).Inc() }
func IncStaleUpdate()                { staleUpdatesTotal.Inc() }
func IncRebalance(group string)      { rebalancesTotal.WithLabelValues(group).Inc() }
func IncDeadLetter(topic string)     { deadLettersTotal.WithLabelValues(topic).Inc() }

func SetConsumerLag(group, topic string, partition int, lag int64) {
	if lag < 0 {
		lag = 0
	}
	consumerLag.WithLabelValues(group, topic, strconv.Itoa(partition)).Set(float64(lag))
}
