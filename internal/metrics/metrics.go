package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "sessionmeta_"

	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultInvalid  = "invalid"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec

	eventsTotal  *prometheus.CounterVec
	eventLatency *prometheus.HistogramVec

	recordsWritten *prometheus.CounterVec

	subscribers prometheus.Gauge
)

// Init registers metrics and, when db is set, the history-backed gauges.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total event submissions by source and result",
			},
			[]string{"source", "result"},
		)

		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Total handled events by type and status",
			},
			[]string{"type", "status"},
		)
		eventLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_latency_seconds",
				Help:    "Event handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type", "status"},
		)

		recordsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "records_written_total",
				Help: "Total metadata records written by kind and format",
			},
			[]string{"kind", "format"},
		)

		subscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_subscribers",
				Help: "Connected live feed subscribers",
			},
		)

		prometheus.MustRegister(
			ingestRequests,
			eventsTotal,
			eventLatency,
			recordsWritten,
			subscribers,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest counts one submission from source.
func ObserveIngest(source, result string) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultAccepted
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(source, result).Inc()
	}
}

// ObserveEvent records handling duration and final status of one event.
func ObserveEvent(eventType, status string, duration time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(eventType, status).Inc()
	}
	if eventLatency != nil {
		eventLatency.WithLabelValues(eventType, status).Observe(duration.Seconds())
	}
}

// IncRecordWritten counts one metadata file write.
func IncRecordWritten(kind, format string) {
	if recordsWritten != nil {
		recordsWritten.WithLabelValues(kind, format).Inc()
	}
}

// AddSubscribers adjusts the live subscriber gauge by delta.
func AddSubscribers(delta int) {
	if subscribers != nil {
		subscribers.Add(float64(delta))
	}
}

// Exported constants for callers.
const (
	IngestAccepted = resultAccepted
	IngestRejected = resultRejected
	IngestInvalid  = resultInvalid
)
