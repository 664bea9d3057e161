// Package metrics exposes the correction pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/landmark"
)

const namespace = "tag_localizer"

// Source is the pipeline state the collectors read on every scrape.
type Source interface {
	Stats() *correction.Stats
	Readiness() correction.Readiness
	Landmarks() *landmark.Map
}

// Metrics holds the Prometheus registry for one pipeline.
type Metrics struct {
	registry *prometheus.Registry
	source   Source
}

// New creates a registry with collectors bound to src.
func New(src Source) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		source:   src,
	}
	m.registerPipelineMetrics()
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) snapshot() correction.StatsSnapshot {
	return m.source.Stats().Snapshot()
}

func (m *Metrics) counter(name, help string, value func(correction.StatsSnapshot) uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
		func() float64 { return float64(value(m.snapshot())) },
	))
}

func (m *Metrics) registerPipelineMetrics() {
	m.counter("frames_total", "Detection frames received",
		func(s correction.StatsSnapshot) uint64 { return s.Frames })
	m.counter("frames_not_ready_total", "Detection frames dropped before camera info arrived",
		func(s correction.StatsSnapshot) uint64 { return s.FramesNotReady })
	m.counter("detections_total", "Tag detections examined",
		func(s correction.StatsSnapshot) uint64 { return s.Detections })
	m.counter("corrections_published_total", "Corrected poses handed to the sink",
		func(s correction.StatsSnapshot) uint64 { return s.Accepted })
	m.counter("transform_failures_total", "Detections dropped because the sensor to body transform was unavailable",
		func(s correction.StatsSnapshot) uint64 { return s.TransformFailures })
	m.counter("publish_errors_total", "Sink publish failures",
		func(s correction.StatsSnapshot) uint64 { return s.PublishErrors })
	m.counter("map_updates_total", "Landmark map snapshots installed",
		func(s correction.StatsSnapshot) uint64 { return s.MapUpdates })
	m.counter("map_errors_total", "Landmark map updates that failed to build",
		func(s correction.StatsSnapshot) uint64 { return s.MapErrors })
	m.counter("reference_updates_total", "Reference poses accepted",
		func(s correction.StatsSnapshot) uint64 { return s.ReferenceUpdates })
	m.counter("reference_invalid_total", "Reference poses ignored",
		func(s correction.StatsSnapshot) uint64 { return s.ReferenceInvalid })

	for _, f := range correction.AllFilters {
		filter := f
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "gate_rejections_total",
				Help:        "Detections rejected, by gate filter",
				ConstLabels: prometheus.Labels{"filter": filter},
			},
			func() float64 { return float64(m.snapshot().Rejections[filter]) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detected_tags",
			Help:      "Tags detected in the most recent frame",
		},
		func() float64 { return float64(m.snapshot().LastDetected) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 once camera info has been received",
		},
		func() float64 {
			if m.source.Readiness() == correction.Ready {
				return 1
			}
			return 0
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "landmarks",
			Help:      "Landmarks in the current map snapshot",
		},
		func() float64 { return float64(m.source.Landmarks().Len()) },
	))
}

// RegisterFeed adds line and drop counters for an input feed.
func (m *Metrics) RegisterFeed(name string, lines, dropped, decodeErrors func() uint64) {
	labels := prometheus.Labels{"feed": name}
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_lines_total", Help: "Lines read from the feed", ConstLabels: labels},
		func() float64 { return float64(lines()) },
	))
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_dropped_total", Help: "Lines dropped for slow subscribers", ConstLabels: labels},
		func() float64 { return float64(dropped()) },
	))
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_decode_errors_total", Help: "Lines that could not be decoded", ConstLabels: labels},
		func() float64 { return float64(decodeErrors()) },
	))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
