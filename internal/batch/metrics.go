package batch

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the batch collectors on a private registry that the API and
// worker binaries extend with their own.
type Metrics struct {
	registry      *prometheus.Registry
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	imagesTotal   *prometheus.CounterVec
	imageDuration prometheus.Histogram
	activeImages  prometheus.Gauge
	watermark     prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogfit_batch_runs_total",
			Help: "Total batch runs by mode and final status.",
		}, []string{"mode", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalogfit_batch_run_duration_seconds",
			Help:    "Wall-clock duration of each batch run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"mode"}),
		imagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogfit_images_total",
			Help: "Images attempted by outcome (ok or failure kind).",
		}, []string{"outcome"}),
		imageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalogfit_image_duration_seconds",
			Help:    "Time spent normalising one image.",
			Buckets: prometheus.DefBuckets,
		}),
		activeImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogfit_active_images",
			Help: "Images currently being normalised.",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogfit_watermark_timestamp_seconds",
			Help: "Unix time of the last stored incremental watermark.",
		}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.imagesTotal,
		m.imageDuration,
		m.activeImages,
		m.watermark,
	)
	return m
}

// Registerer lets other components add collectors to the same registry.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
