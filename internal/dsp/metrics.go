package dsp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	presetsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eqhost_presets_applied_total",
			Help: "Total number of presets validated and staged",
		},
	)

	presetsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eqhost_presets_rejected_total",
			Help: "Total number of presets rejected by validation",
		},
	)

	framesProcessedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_dsp_frames_processed",
			Help: "Cumulative frames run through the DSP engine",
		},
	)

	cpuLoadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_dsp_cpu_load_percent",
			Help: "EWMA of DSP processing time relative to buffer duration",
		},
	)

	bypassGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eqhost_dsp_bypass_active",
			Help: "1 when the engine bypass escape hatch is set",
		},
	)

	peakLevelGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eqhost_dsp_peak_level",
			Help: "Post-limiter peak level per channel, linear full scale",
		},
		[]string{"channel"},
	)
)

// PublishMetrics copies an engine stats snapshot into the prometheus gauges.
// Called off the realtime thread, typically at the stats broadcast cadence.
func PublishMetrics(s Stats) {
	framesProcessedGauge.Set(float64(s.FramesProcessed))
	cpuLoadGauge.Set(s.CPULoadPercent)
	if s.BypassActive {
		bypassGauge.Set(1)
	} else {
		bypassGauge.Set(0)
	}
	peakLevelGauge.WithLabelValues("left").Set(s.PeakLeft)
	peakLevelGauge.WithLabelValues("right").Set(s.PeakRight)
}
