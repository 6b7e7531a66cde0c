package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the crawler collectors. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	PagesFetched     *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
	RecordsExtracted prometheus.Counter
	ExtractionErrors *prometheus.CounterVec
	LinksDiscovered  *prometheus.CounterVec
	SinkErrors       prometheus.Counter
	FetchDuration    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PagesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_pages_fetched_total",
				Help: "Pages fetched, by page kind",
			},
			[]string{"kind"},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_errors_total",
				Help: "Pages that could not be fetched, by page kind",
			},
			[]string{"kind"},
		),
		RecordsExtracted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_records_extracted_total",
				Help: "Product records extracted",
			},
		),
		ExtractionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_extraction_errors_total",
				Help: "Product pages dropped, by missing anchor",
			},
			[]string{"anchor"},
		),
		LinksDiscovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_links_discovered_total",
				Help: "New links scheduled from listing pages, by page kind",
			},
			[]string{"kind"},
		),
		SinkErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_sink_errors_total",
				Help: "Records that could not be written",
			},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Time spent fetching a page, by page kind",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.PagesFetched,
		m.FetchErrors,
		m.RecordsExtracted,
		m.ExtractionErrors,
		m.LinksDiscovered,
		m.SinkErrors,
		m.FetchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(kind string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(kind).Observe(took.Seconds())
	if err != nil {
		m.FetchErrors.WithLabelValues(kind).Inc()
		return
	}
	m.PagesFetched.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordExtracted() {
	if m == nil {
		return
	}
	m.RecordsExtracted.Inc()
}

func (m *Metrics) ExtractionFailed(anchor string) {
	if m == nil {
		return
	}
	m.ExtractionErrors.WithLabelValues(anchor).Inc()
}

func (m *Metrics) LinksFound(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LinksDiscovered.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) SinkFailed() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}
