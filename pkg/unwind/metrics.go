package unwind

import (
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the unwinder sees across walks. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Walks        *prometheus.CounterVec
	Frames       prometheus.Histogram
	ModuleErrors *prometheus.CounterVec
	MapsSkipped  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Walks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbxtrace_unwind_walks_total",
			Help: "Total number of stack walks by final status",
		}, []string{"status"}),
		Frames: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sbxtrace_unwind_frames",
			Help:    "Number of frames recovered per stack walk",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9),
		}),
		ModuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbxtrace_unwind_module_errors_total",
			Help: "Total number of errors while opening module images for symbolization",
		}, []string{"error"}),
		MapsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbxtrace_unwind_maps_lines_skipped_total",
			Help: "Total number of unusable /proc/pid/maps records dropped during loads",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Walks,
			m.Frames,
			m.ModuleErrors,
			m.MapsSkipped,
		)
	}

	return m
}

func (m *Metrics) walkDone(status Status, frames int) {
	if m == nil {
		return
	}
	m.Walks.WithLabelValues(status.String()).Inc()
	m.Frames.Observe(float64(frames))
}

func (m *Metrics) moduleError(err error) {
	if m == nil {
		return
	}
	m.ModuleErrors.WithLabelValues(errorType(err)).Inc()
}

func (m *Metrics) mapsSkipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MapsSkipped.Add(float64(n))
}

func errorType(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "ErrNotExist"
	}
	if errors.Is(err, os.ErrPermission) {
		return "ErrPermission"
	}
	return "Other"
}
