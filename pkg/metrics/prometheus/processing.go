// Package prometheus implements the metrics interfaces on the Prometheus
// client. Constructors return nil when metrics are disabled; all methods
// are safe on nil receivers.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nomad-lab/nomad-core/pkg/metrics"
)

// processingMetrics is the Prometheus implementation of
// metrics.ProcessingMetrics.
type processingMetrics struct {
	uploadProcesses *prometheus.CounterVec
	uploadDuration  *prometheus.HistogramVec
	entryProcesses  *prometheus.CounterVec
	entryDuration   *prometheus.HistogramVec
	matches         *prometheus.CounterVec
	packDuration    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	inFlight        *prometheus.GaugeVec
}

// NewProcessingMetrics creates a Prometheus-backed ProcessingMetrics
// instance. Returns nil if metrics are not enabled.
func NewProcessingMetrics() metrics.ProcessingMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &processingMetrics{
		uploadProcesses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nomad_upload_processes_total",
				Help: "Finished upload-level processes by process name and terminal status",
			},
			[]string{"process", "status"},
		),
		uploadDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nomad_upload_process_duration_seconds",
				Help:    "Duration of upload-level processes",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"process"},
		),
		entryProcesses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nomad_entry_processes_total",
				Help: "Finished entry runs by parser and terminal status",
			},
			[]string{"parser", "status"},
		),
		entryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nomad_entry_process_duration_seconds",
				Help:    "Duration of entry runs by parser",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"parser"},
		),
		matches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nomad_parser_matches_total",
				Help: "Positive parser matches by parser",
			},
			[]string{"parser"},
		),
		packDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nomad_pack_duration_seconds",
				Help:    "Duration of pack and repack operations",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"kind"},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nomad_queue_depth",
				Help: "Pending jobs by kind",
			},
			[]string{"kind"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nomad_jobs_in_flight",
				Help: "Jobs currently claimed by workers, by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordUploadProcess implements metrics.ProcessingMetrics.
func (m *processingMetrics) RecordUploadProcess(process, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.uploadProcesses.WithLabelValues(process, status).Inc()
	m.uploadDuration.WithLabelValues(process).Observe(duration.Seconds())
}

// RecordEntryProcess implements metrics.ProcessingMetrics.
func (m *processingMetrics) RecordEntryProcess(parser, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.entryProcesses.WithLabelValues(parser, status).Inc()
	m.entryDuration.WithLabelValues(parser).Observe(duration.Seconds())
}

// RecordMatch implements metrics.ProcessingMetrics.
func (m *processingMetrics) RecordMatch(parser string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(parser).Inc()
}

// RecordPack implements metrics.ProcessingMetrics.
func (m *processingMetrics) RecordPack(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.packDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth implements metrics.ProcessingMetrics.
func (m *processingMetrics) SetQueueDepth(kind string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

// RecordJobStart implements metrics.ProcessingMetrics.
func (m *processingMetrics) RecordJobStart(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Inc()
}

// RecordJobEnd implements metrics.ProcessingMetrics.
func (m *processingMetrics) RecordJobEnd(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Dec()
}
