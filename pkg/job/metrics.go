package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcomes counted by Metrics.Frames.
const (
	outcomeInserted   = "inserted"
	outcomeSkipped    = "skipped"
	outcomeDiscarded  = "discarded"
	outcomeSubsampled = "subsampled"
	outcomeFailed     = "failed"
)

// Metrics holds the Prometheus collectors of one Manager.
type Metrics struct {
	// Frames counts frames by outcome
	Frames *prometheus.CounterVec

	// LagWarnings counts cycles whose processing lag exceeded the threshold
	LagWarnings prometheus.Counter

	// Lag is the processing lag measured by the latest cycle, in seconds
	Lag prometheus.Gauge

	// CycleDuration tracks how long one job cycle takes
	CycleDuration prometheus.Histogram

	// Snapshots counts snapshot replies
	Snapshots prometheus.Counter

	// Jobs counts jobs reaching a terminal state
	Jobs *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freehand3d_frames_total",
			Help: "Tracked frames handled by reconstruction jobs, by outcome",
		}, []string{"outcome"}),
		LagWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "freehand3d_lag_warnings_total",
			Help: "Cycles whose processing lag exceeded the configured threshold",
		}),
		Lag: f.NewGauge(prometheus.GaugeOpts{
			Name: "freehand3d_processing_lag_seconds",
			Help: "Time between now and the newest processed frame at the end of the last cycle",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "freehand3d_cycle_duration_seconds",
			Help:    "Duration of one reconstruction job cycle",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "freehand3d_snapshots_total",
			Help: "Snapshot replies delivered",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freehand3d_jobs_total",
			Help: "Reconstruction jobs reaching a terminal state",
		}, []string{"mode", "state"}),
	}
}
