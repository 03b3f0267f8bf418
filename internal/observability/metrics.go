package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of asset builds
type Metrics struct {
	registry *prometheus.Registry

	buildsTotal    *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
	bundleBytes    *prometheus.GaugeVec
	buildsInFlight prometheus.Gauge
}

// NewMetrics creates the build metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		buildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetpipe_builds_total",
				Help: "Total number of application builds",
			},
			[]string{"app", "status"},
		),
		buildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assetpipe_build_duration_seconds",
				Help:    "Application build duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"app"},
		),
		bundleBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "assetpipe_bundle_bytes",
				Help: "Size of the emitted files of a bundle in bytes",
			},
			[]string{"app", "bundle"},
		),
		buildsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "assetpipe_builds_in_flight",
				Help: "Current number of running builds",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// BuildStarted marks a build as running and returns the function that records its outcome
func (m *Metrics) BuildStarted(app string) func(err error) {
	start := time.Now()
	m.buildsInFlight.Inc()

	return func(err error) {
		m.buildsInFlight.Dec()
		m.buildDuration.WithLabelValues(app).Observe(time.Since(start).Seconds())

		status := "success"
		if err != nil {
			status = "error"
		}
		m.buildsTotal.WithLabelValues(app, status).Inc()
	}
}

// RecordBundleSize records the emitted size of one bundle
func (m *Metrics) RecordBundleSize(app, bundle string, bytes int64) {
	m.bundleBytes.WithLabelValues(app, bundle).Set(float64(bytes))
}

// WriteFile writes all metrics to path in the Prometheus textfile format
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
