package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the tracker's prometheus instruments, updated directly by the
// capture loop.
type Metrics struct {
	Frames       prometheus.Counter
	DetectErrors prometheus.Counter
	Overflows    prometheus.Counter
	RingDepth    prometheus.Gauge
}

// NewMetrics registers the tracker metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Frames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gazetrack_frames_total",
			Help: "Camera frames processed by the detection pipeline.",
		}),
		DetectErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gazetrack_detection_errors_total",
			Help: "Frames that produced a detection error tag.",
		}),
		Overflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "gazetrack_ring_overflow_flushes_total",
			Help: "Forced sample-ring flushes during recording.",
		}),
		RingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gazetrack_sample_ring_depth",
			Help: "Current write index of the gaze sample ring.",
		}),
	}
}
