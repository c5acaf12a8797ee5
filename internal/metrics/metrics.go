// Package metrics exposes Prometheus collectors for the harvester on a
// dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors for one worker process.
type Metrics struct {
	registry *prometheus.Registry

	pagesTotal      *prometheus.CounterVec // outcome: extracted|empty|failed
	pageDuration    prometheus.Histogram
	interPageDelay  prometheus.Histogram
	recordsTotal    *prometheus.CounterVec // result: inserted|duplicate|rejected
	retriesTotal    prometheus.Counter
	recoveriesTotal *prometheus.CounterVec // strategy: reload|back_forward
	errorsTotal     *prometheus.CounterVec // class label from internal/errors

	estimateItems      prometheus.Gauge
	estimateConfidence prometheus.Gauge
	estimateVelocity   prometheus.Gauge
	catalogChanged     prometheus.Counter
	coverageRatio      prometheus.Gauge

	workerRestarts *prometheus.CounterVec // worker id
}

// New constructs and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_total",
			Help: "Catalog pages processed, by outcome.",
		}, []string{"outcome"}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_page_duration_seconds",
			Help:    "Wall time to render and extract one catalog page.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		interPageDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_inter_page_delay_seconds",
			Help:    "Adaptive delay applied between page fetches.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
		}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Extracted records, by store upsert result.",
		}, []string{"result"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Navigation retry attempts.",
		}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_recoveries_total",
			Help: "Empty-page recovery attempts, by strategy.",
		}, []string{"strategy"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Recoverable errors, by taxonomy class.",
		}, []string{"class"}),
		estimateItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_estimate_items",
			Help: "Last accepted catalog size estimate.",
		}),
		estimateConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_estimate_confidence",
			Help: "Confidence of the last accepted estimate (0..1).",
		}),
		estimateVelocity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_estimate_velocity_items_per_hour",
			Help: "Catalog size change rate over the recent window.",
		}),
		catalogChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_catalog_changed_total",
			Help: "Re-estimations that crossed the catalog-changed threshold.",
		}),
		coverageRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_coverage_ratio",
			Help: "Unique records collected over estimated catalog size.",
		}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_worker_restarts_total",
			Help: "Worker process restarts performed by the scheduler.",
		}, []string{"worker"}),
	}

	registry.MustRegister(
		m.pagesTotal, m.pageDuration, m.interPageDelay,
		m.recordsTotal, m.retriesTotal, m.recoveriesTotal, m.errorsTotal,
		m.estimateItems, m.estimateConfidence, m.estimateVelocity,
		m.catalogChanged, m.coverageRatio, m.workerRestarts,
	)
	return m
}

func (m *Metrics) ObservePage(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(outcome).Inc()
	m.pageDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.interPageDelay.Observe(d.Seconds())
}

func (m *Metrics) IncRecord(result string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) IncRecovery(strategy string) {
	if m == nil {
		return
	}
	m.recoveriesTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncError(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "other"
	}
	m.errorsTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) SetEstimate(items int, confidence, velocity float64) {
	if m == nil {
		return
	}
	m.estimateItems.Set(float64(items))
	m.estimateConfidence.Set(confidence)
	m.estimateVelocity.Set(velocity)
}

func (m *Metrics) IncCatalogChanged() {
	if m == nil {
		return
	}
	m.catalogChanged.Inc()
}

func (m *Metrics) SetCoverage(ratio float64) {
	if m == nil {
		return
	}
	m.coverageRatio.Set(ratio)
}

func (m *Metrics) IncWorkerRestart(worker string) {
	if m == nil {
		return
	}
	m.workerRestarts.WithLabelValues(worker).Inc()
}

// Handler returns an HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
