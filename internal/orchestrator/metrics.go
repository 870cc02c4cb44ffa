package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bringUpAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eqhost_device_bringup_attempts_total",
		Help: "Device bring-up attempts, counting every candidate tried",
	})
	failoverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eqhost_device_bringup_failures_total",
		Help: "Rebinds that exhausted every candidate device",
	})
	activeDeviceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eqhost_active_device_info",
		Help: "Set to 1 for the currently bound output device",
	}, []string{"uid", "name"})
	driftDropsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqhost_drift_drops_total",
		Help: "Cumulative drift corrections that dropped audio",
	})
	driftInsertsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqhost_drift_inserts_total",
		Help: "Cumulative drift corrections that inserted silence",
	})
	driftAverageFillMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqhost_drift_average_fill_percent",
		Help: "Moving average of ring fill seen by the drift controller",
	})
	volumeDegradedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqhost_volume_degraded",
		Help: "1 when the active device could not be pinned to full volume",
	})
)

// PublishMetrics pushes an orchestrator snapshot into the Prometheus gauges.
func PublishMetrics(st Status) {
	driftDropsMetric.Set(float64(st.DriftDrops))
	driftInsertsMetric.Set(float64(st.DriftInserts))
	driftAverageFillMetric.Set(st.DriftAverageFill)
	if st.VolumeDegraded {
		volumeDegradedMetric.Set(1)
	} else {
		volumeDegradedMetric.Set(0)
	}
}
