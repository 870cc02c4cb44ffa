package config

import (
	"sync/atomic"
	"time"
)

// Constants centralizes the tunable values used across the audio pipeline.
// Each field is documented with its purpose and the component that consumes
// it. Values are read frequently but replaced rarely; the active set is
// published through an atomic pointer so readers never take a lock.
type Constants struct {
	// SmoothingTimeConstant is the exponential ramp time constant applied to
	// every live DSP parameter (band gain/frequency/Q, preamp).
	// Used in: internal/dsp engine and smoothers.
	// Impact: larger values soften parameter changes further but make the
	// equalizer feel less responsive. 10ms converges within ~50ms.
	SmoothingTimeConstant time.Duration

	// CoefficientUpdateInterval is the sub-block length, in frames, at which
	// the engine re-derives biquad coefficients from smoothed parameters.
	// Used in: internal/dsp engine process loop.
	// Impact: smaller values track ramps more closely at higher CPU cost.
	CoefficientUpdateInterval int

	// MinSampleRate and MaxSampleRate bound the sample rates the engine will
	// accept at construction.
	// Used in: internal/dsp engine New/SetSampleRate.
	MinSampleRate int
	MaxSampleRate int

	// RingDuration is the amount of audio the shared transport ring buffers.
	// Used in: internal/transport region sizing.
	// Impact: larger rings ride out longer scheduling stalls but add latency
	// headroom pressure on the drift controller.
	RingDuration time.Duration

	// HeartbeatInterval is how often each transport side ticks its heartbeat
	// counter and refreshes its connected flag.
	// Used in: internal/transport health.
	HeartbeatInterval time.Duration

	// HeartbeatStaleAfter is how long a peer heartbeat may stay unchanged
	// before the region is treated as disconnected (safe-mode silence).
	// Used in: internal/transport health.
	HeartbeatStaleAfter time.Duration

	// DriftHighWater and DriftLowWater are ring-fill percentages steering
	// the drift controller. Above the high water mark it drops audio;
	// below the low water mark it inserts silence.
	// Used in: internal/orchestrator drift controller.
	DriftHighWater float64
	DriftLowWater  float64

	// DriftAdjustment is how much audio a single drift correction drops or
	// inserts. ~1ms is below the audibility threshold for program material.
	// Used in: internal/orchestrator drift controller.
	DriftAdjustment time.Duration

	// DriftCooldown is the minimum spacing between two drift corrections.
	// Used in: internal/orchestrator drift controller.
	DriftCooldown time.Duration

	// DriftWindow is the averaging window for the ring-fill moving average.
	// Used in: internal/orchestrator drift controller.
	DriftWindow time.Duration

	// DeviceBringUpTimeout bounds how long a single device bring-up attempt
	// may take before the fallback loop moves to the next candidate.
	// Used in: internal/orchestrator host.
	DeviceBringUpTimeout time.Duration

	// DeviceCleanupTimeout bounds teardown of a failed or replaced device.
	// Used in: internal/orchestrator host.
	DeviceCleanupTimeout time.Duration

	// VolumePinThreshold is the fraction of maximum hardware volume below
	// which the orchestrator re-pins the device volume.
	// Used in: internal/orchestrator volume pinner.
	VolumePinThreshold float64

	// PresetPollInterval is how often the control-plane preset file is
	// checked for a modification-time change.
	// Used in: internal/presetfile poller.
	PresetPollInterval time.Duration

	// StatsBroadcastInterval is the cadence of stats pushes to API
	// subscribers and of the stats snapshot endpoint cache.
	// Used in: internal/api broadcaster.
	StatsBroadcastInterval time.Duration

	// EventWriteTimeout bounds one websocket event write; a subscriber
	// slower than this is dropped.
	// Used in: internal/api broadcaster.
	EventWriteTimeout time.Duration
}

// DefaultConstants returns the tuning the daemon ships with.
func DefaultConstants() *Constants {
	return &Constants{
		SmoothingTimeConstant:     10 * time.Millisecond,
		CoefficientUpdateInterval: 32,
		MinSampleRate:             8000,
		MaxSampleRate:             384000,
		RingDuration:              500 * time.Millisecond,
		HeartbeatInterval:         time.Second,
		HeartbeatStaleAfter:       3 * time.Second,
		DriftHighWater:            60.0,
		DriftLowWater:             40.0,
		DriftAdjustment:           time.Millisecond,
		DriftCooldown:             250 * time.Millisecond,
		DriftWindow:               time.Second,
		DeviceBringUpTimeout:      2 * time.Second,
		DeviceCleanupTimeout:      1200 * time.Millisecond,
		VolumePinThreshold:        0.95,
		PresetPollInterval:        time.Second,
		StatsBroadcastInterval:    time.Second,
		EventWriteTimeout:         2 * time.Second,
	}
}

var active atomic.Pointer[Constants]

func init() {
	active.Store(DefaultConstants())
}

// Get returns the active constants. The returned struct must not be mutated.
func Get() *Constants {
	return active.Load()
}

// Set replaces the active constants. Intended for tests and startup tuning;
// components read Get() on each use, so replacements take effect lazily.
func Set(c *Constants) {
	if c == nil {
		c = DefaultConstants()
	}
	active.Store(c)
}
