// Package metrics exposes build and dev server metrics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldog/bld/pkg/cache"
)

// Metrics owns its registry so several bundlers can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	buildsTotal   *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	modules       prometheus.Gauge
	chunks        prometheus.Gauge
	assetBytes    prometheus.Gauge
	filesWritten  prometheus.Counter
	cacheRequests *prometheus.CounterVec
	hotUpdates    *prometheus.CounterVec
	hotClients    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		buildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bld_builds_total",
				Help: "Total number of builds by result",
			},
			[]string{"result"},
		),
		buildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bld_build_phase_duration_seconds",
				Help:    "Duration of the build phases in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"phase"},
		),
		modules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bld_modules",
			Help: "Number of modules in the graph",
		}),
		chunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bld_chunks",
			Help: "Number of chunks emitted by the last build",
		}),
		assetBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bld_asset_bytes",
			Help: "Total size of the assets emitted by the last build",
		}),
		filesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "bld_files_written_total",
			Help: "Total number of output files written",
		}),
		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bld_transform_cache_requests_total",
				Help: "Transform cache lookups by result",
			},
			[]string{"result"},
		),
		hotUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bld_hot_updates_total",
				Help: "Hot notifications published by kind",
			},
			[]string{"kind"},
		),
		hotClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bld_hot_clients",
			Help: "Number of connected hot update clients",
		}),
	}
}

// ObservePhase records the duration of one build phase since start.
func (m *Metrics) ObservePhase(phase string, start time.Time) {
	m.buildDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// RecordBuild records the outcome and size of a build.
func (m *Metrics) RecordBuild(err error, modules, chunks, bytes int) {
	if err != nil {
		m.buildsTotal.WithLabelValues("error").Inc()
		return
	}
	m.buildsTotal.WithLabelValues("success").Inc()
	m.modules.Set(float64(modules))
	m.chunks.Set(float64(chunks))
	m.assetBytes.Set(float64(bytes))
}

func (m *Metrics) RecordWrite(files int) {
	m.filesWritten.Add(float64(files))
}

// RecordHotUpdate counts a published notification.
func (m *Metrics) RecordHotUpdate(fullReload bool) {
	kind := "update"
	if fullReload {
		kind = "reload"
	}
	m.hotUpdates.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetHotClients(n int) {
	m.hotClients.Set(float64(n))
}

// Store wraps s to count cache hits and misses.
func (m *Metrics) Store(s cache.Store) cache.Store {
	if s == nil {
		return nil
	}
	return &store{Store: s, requests: m.cacheRequests}
}

type store struct {
	cache.Store
	requests *prometheus.CounterVec
}

func (s *store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	e, err := s.Store.Get(ctx, key)
	switch {
	case err != nil:
		s.requests.WithLabelValues("error").Inc()
	case e == nil:
		s.requests.WithLabelValues("miss").Inc()
	default:
		s.requests.WithLabelValues("hit").Inc()
	}
	return e, err
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
