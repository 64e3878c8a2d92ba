package feedpipe

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/load"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/stage"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	documents     *prometheus.CounterVec
	records       *prometheus.CounterVec
	inserted      *prometheus.CounterVec
	rows          *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedpipe",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"feed", "phase"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "stage_failures_total",
			Help:      "Failed stage executions",
		}, []string{"feed", "phase"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "documents_loaded_total",
			Help:      "Documents committed by the load stage",
		}, []string{"feed"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "records_committed_total",
			Help:      "Records committed, duplicates included",
		}, []string{"feed"}),
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "rows_inserted_total",
			Help:      "Rows actually inserted",
		}, []string{"feed"}),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedpipe",
			Name:      "table_rows",
			Help:      "Row count of the feed table at the last status read",
		}, []string{"feed"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedpipe",
			Name:      "stage_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful stage",
		}, []string{"feed", "phase"}),
	}
	m.registry.MustRegister(
		m.stageDuration,
		m.stageFailures,
		m.documents,
		m.records,
		m.inserted,
		m.rows,
		m.lastSuccess,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StageFinished implements the stage observer.
func (m *Metrics) StageFinished(feed string, kind stage.Kind, _ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(feed, string(kind)).Observe(d.Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(feed, string(kind)).Inc()
		return
	}
	m.lastSuccess.WithLabelValues(feed, string(kind)).SetToCurrentTime()
}

// BatchLoaded implements the stage observer.
func (m *Metrics) BatchLoaded(feed string, documents int, res load.Result) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(feed).Add(float64(documents))
	m.records.WithLabelValues(feed).Add(float64(res.Committed))
	m.inserted.WithLabelValues(feed).Add(float64(res.Inserted))
}

func (m *Metrics) observeRows(feed string, n int64) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(feed).Set(float64(n))
}
