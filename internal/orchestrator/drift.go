package orchestrator

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/soundweave/eqhost/internal/config"
)

// driftAction is the controller's verdict for one render pass.
type driftAction int

const (
	driftNone   driftAction = iota
	driftDrop               // consume and discard ~1ms to shed backlog
	driftInsert             // emit ~1ms of silence to rebuild backlog
)

// driftController compensates producer/consumer clock mismatch. It keeps a
// moving average of ring fill over the configured window; sustained fill
// above the high water mark drops ~1ms of audio, sustained fill below the
// low water mark inserts ~1ms of silence, both rate-limited by a cooldown.
// This is the only drift mechanism; there is no resampler.
//
// Observe and Decide run on the realtime render thread only and touch plain
// fields; AverageFill and counters are mirrored through atomics for the
// stats readers.
type driftController struct {
	samples []float64
	idx     int
	filled  int

	lastAdjust time.Time

	avgBits atomic.Uint64 // float64 bits of the current moving average
	drops   atomic.Uint64
	inserts atomic.Uint64
}

// newDriftController sizes the averaging window for the render cadence:
// one sample per callback, callbacks every framesPerCallback/sampleRate.
func newDriftController(sampleRate, framesPerCallback int) *driftController {
	cfg := config.Get()
	callbackDur := float64(framesPerCallback) / float64(sampleRate)
	n := int(cfg.DriftWindow.Seconds()/callbackDur + 0.5)
	if n < 4 {
		n = 4
	}
	return &driftController{samples: make([]float64, n)}
}

// Observe records one ring-fill measurement. Realtime-safe.
func (dc *driftController) Observe(fillPercent float64) {
	dc.samples[dc.idx] = fillPercent
	dc.idx = (dc.idx + 1) % len(dc.samples)
	if dc.filled < len(dc.samples) {
		dc.filled++
	}

	var sum float64
	for i := 0; i < dc.filled; i++ {
		sum += dc.samples[i]
	}
	dc.avgBits.Store(math.Float64bits(sum / float64(dc.filled)))
}

// Decide returns the correction for this pass, honoring the cooldown.
// Realtime-safe.
func (dc *driftController) Decide(now time.Time) driftAction {
	if dc.filled < len(dc.samples) {
		// Not enough history for a stable average yet.
		return driftNone
	}
	cfg := config.Get()
	if now.Sub(dc.lastAdjust) < cfg.DriftCooldown {
		return driftNone
	}

	avg := math.Float64frombits(dc.avgBits.Load())
	switch {
	case avg > cfg.DriftHighWater:
		dc.lastAdjust = now
		dc.drops.Add(1)
		return driftDrop
	case avg < cfg.DriftLowWater:
		dc.lastAdjust = now
		dc.inserts.Add(1)
		return driftInsert
	default:
		return driftNone
	}
}

// AdjustmentFrames returns how many frames one correction moves (~1ms).
func (dc *driftController) AdjustmentFrames(sampleRate int) int {
	n := int(config.Get().DriftAdjustment.Seconds() * float64(sampleRate))
	if n < 1 {
		n = 1
	}
	return n
}

// AverageFill returns the current moving average for observability.
func (dc *driftController) AverageFill() float64 {
	return math.Float64frombits(dc.avgBits.Load())
}

// Counters returns cumulative drop and insert corrections.
func (dc *driftController) Counters() (drops, inserts uint64) {
	return dc.drops.Load(), dc.inserts.Load()
}
