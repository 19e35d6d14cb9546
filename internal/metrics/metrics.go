// Package metrics provides Prometheus metrics for the analyzer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the event-loop driver.
type Metrics struct {
	// Event metrics
	EventsProcessed *prometheus.CounterVec
	GlobalEntry     *prometheus.GaugeVec

	// File metrics
	FilesOpened    *prometheus.CounterVec
	CatalogFiles   *prometheus.GaugeVec
	CatalogRows    *prometheus.GaugeVec

	// Flush metrics
	Flushes       *prometheus.CounterVec
	FlushDuration *prometheus.HistogramVec

	// Error metrics
	CatalogErrors    *prometheus.CounterVec
	ProcessingErrors *prometheus.CounterVec

	// Throughput
	EventsPerSecond prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tpg_analyzer"
	}

	m := &Metrics{
		EventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of events processed",
			},
			[]string{"collection", "sample"},
		),
		GlobalEntry: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "global_entry",
				Help:      "Current global event entry within the job",
			},
			[]string{"collection", "sample"},
		),
		FilesOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_opened_total",
				Help:      "Total number of input files opened",
			},
			[]string{"collection", "sample"},
		),
		CatalogFiles: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_files",
				Help:      "Number of files discovered in the input catalog",
			},
			[]string{"collection", "sample"},
		),
		CatalogRows: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_rows",
				Help:      "Total rows available across the input catalog",
			},
			[]string{"collection", "sample"},
		),
		Flushes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "histogram_flushes_total",
				Help:      "Total number of histogram store flushes",
			},
			[]string{"collection", "sample"},
		),
		FlushDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "histogram_flush_duration_seconds",
				Help:      "Time to persist the histogram store",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"collection", "sample"},
		),
		CatalogErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of catalog discovery errors",
			},
			[]string{"collection", "sample"},
		),
		ProcessingErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processing_errors_total",
				Help:      "Total number of per-event processing errors",
			},
			[]string{"collection", "sample"},
		),
		EventsPerSecond: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "events_per_second",
				Help:      "Current event processing rate",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Collection string
	Sample     string
}

// IncEventsProcessed increments the events processed counter.
func (m *Metrics) IncEventsProcessed(l Labels) {
	m.EventsProcessed.WithLabelValues(l.Collection, l.Sample).Inc()
}

// SetGlobalEntry sets the current global entry gauge.
func (m *Metrics) SetGlobalEntry(l Labels, entry float64) {
	m.GlobalEntry.WithLabelValues(l.Collection, l.Sample).Set(entry)
}

// IncFilesOpened increments the files opened counter.
func (m *Metrics) IncFilesOpened(l Labels) {
	m.FilesOpened.WithLabelValues(l.Collection, l.Sample).Inc()
}

// SetCatalogFiles sets the catalog file count gauge.
func (m *Metrics) SetCatalogFiles(l Labels, n float64) {
	m.CatalogFiles.WithLabelValues(l.Collection, l.Sample).Set(n)
}

// SetCatalogRows sets the catalog row count gauge.
func (m *Metrics) SetCatalogRows(l Labels, n float64) {
	m.CatalogRows.WithLabelValues(l.Collection, l.Sample).Set(n)
}

// IncFlushes increments the flush counter.
func (m *Metrics) IncFlushes(l Labels) {
	m.Flushes.WithLabelValues(l.Collection, l.Sample).Inc()
}

// ObserveFlushDuration records the histogram flush time.
func (m *Metrics) ObserveFlushDuration(l Labels, seconds float64) {
	m.FlushDuration.WithLabelValues(l.Collection, l.Sample).Observe(seconds)
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors(l Labels) {
	m.CatalogErrors.WithLabelValues(l.Collection, l.Sample).Inc()
}

// IncProcessingErrors increments the processing errors counter.
func (m *Metrics) IncProcessingErrors(l Labels) {
	m.ProcessingErrors.WithLabelValues(l.Collection, l.Sample).Inc()
}

// SetEventsPerSecond sets the current processing rate.
func (m *Metrics) SetEventsPerSecond(rate float64) {
	m.EventsPerSecond.Set(rate)
}
