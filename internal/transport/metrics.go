package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesWrittenGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_transport_frames_written",
			Help: "Cumulative frames written into the active region",
		},
	)

	framesReadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_transport_frames_read",
			Help: "Cumulative frames read from the active region",
		},
	)

	overrunsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_transport_overruns_total",
			Help: "Ring overflows resolved by dropping oldest audio",
		},
	)

	underrunsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_transport_underruns_total",
			Help: "Short reads resolved by zero-filling",
		},
	)

	mismatchesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_transport_format_mismatches_total",
			Help: "Reads silenced by an unacknowledged format change",
		},
	)

	backlogGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_transport_backlog_frames",
			Help: "Frames currently buffered in the active region",
		},
	)
)

// PublishMetrics copies a region snapshot into the prometheus gauges.
// Called off the realtime thread at the stats broadcast cadence.
func PublishMetrics(s Stats) {
	framesWrittenGauge.Set(float64(s.FramesWritten))
	framesReadGauge.Set(float64(s.FramesRead))
	overrunsGauge.Set(float64(s.OverrunCount))
	underrunsGauge.Set(float64(s.UnderrunCount))
	mismatchesGauge.Set(float64(s.FormatMismatchCount))
	backlogGauge.Set(float64(s.BacklogFrames))
}
