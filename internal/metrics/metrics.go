// Package metrics exposes Prometheus instrumentation for the pipeline.
// Partial failure inside an invocation is observable only through these
// counters and the logs; the invocation itself always reports success.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline instruments registered against one registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsEnriched   prometheus.Counter
	RecordsSkipped   prometheus.Counter
	DecodeFailures   prometheus.Counter
	IdentityFallback prometheus.Counter
	SessionFallback  prometheus.Counter
	BatchWrites      prometheus.Counter
	BatchFailures    prometheus.Counter
	RecordsDropped   prometheus.Counter
	EventsCollected  prometheus.Counter
	ObjectsArchived  prometheus.Counter

	ProcessDuration prometheus.Histogram
}

// New creates a Metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsEnriched: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_events_enriched_total",
			Help: "Events successfully enriched and handed to the batch writer.",
		}),
		RecordsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_records_skipped_total",
			Help: "Change records skipped because they were not inserts.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_decode_failures_total",
			Help: "Change records dropped because the new image could not be decoded.",
		}),
		IdentityFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_identity_fallbacks_total",
			Help: "Events enriched with a synthesized fallback identity after a store error.",
		}),
		SessionFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_session_fallbacks_total",
			Help: "Events that fell back to session sequence 1 after a store error.",
		}),
		BatchWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_batch_objects_written_total",
			Help: "Enriched batch objects written to object storage.",
		}),
		BatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_batch_write_failures_total",
			Help: "Site-hour groups that failed to write.",
		}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_feed_records_dropped_total",
			Help: "Poison or expired change records dropped by the consumer.",
		}),
		EventsCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_events_collected_total",
			Help: "Raw events accepted by the collector API.",
		}),
		ObjectsArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sightline_raw_objects_archived_total",
			Help: "Site-hour raw log objects written by the archiver.",
		}),
		ProcessDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sightline_batch_process_seconds",
			Help:    "Wall time spent enriching one delivered batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns an http.Handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
