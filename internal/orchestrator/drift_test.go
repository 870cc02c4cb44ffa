package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundweave/eqhost/internal/config"
)

// feedFill observes n samples of a constant fill level at the render
// cadence, returning the time after the last observation.
func feedFill(dc *driftController, start time.Time, fill float64, n int) time.Time {
	now := start
	for i := 0; i < n; i++ {
		dc.Observe(fill)
		now = now.Add(10 * time.Millisecond)
	}
	return now
}

func TestDriftControllerNeedsFullWindow(t *testing.T) {
	dc := newDriftController(48000, 480)
	require.Len(t, dc.samples, 100)

	start := time.Unix(1000, 0)
	now := feedFill(dc, start, 90.0, len(dc.samples)-1)
	assert.Equal(t, driftNone, dc.Decide(now), "partial window must not trigger")

	dc.Observe(90.0)
	assert.Equal(t, driftDrop, dc.Decide(now.Add(10*time.Millisecond)))
}

func TestDriftControllerDecisions(t *testing.T) {
	tests := []struct {
		name string
		fill float64
		want driftAction
	}{
		{"sustained high fill drops", 75.0, driftDrop},
		{"just above high water drops", 60.5, driftDrop},
		{"sustained low fill inserts", 20.0, driftInsert},
		{"just below low water inserts", 39.5, driftInsert},
		{"target fill holds steady", 50.0, driftNone},
		{"high water itself is tolerated", 60.0, driftNone},
		{"low water itself is tolerated", 40.0, driftNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := newDriftController(48000, 480)
			now := feedFill(dc, time.Unix(1000, 0), tt.fill, len(dc.samples))
			assert.Equal(t, tt.want, dc.Decide(now))
		})
	}
}

func TestDriftControllerCooldown(t *testing.T) {
	dc := newDriftController(48000, 480)
	now := feedFill(dc, time.Unix(1000, 0), 80.0, len(dc.samples))

	require.Equal(t, driftDrop, dc.Decide(now))
	assert.Equal(t, driftNone, dc.Decide(now.Add(10*time.Millisecond)), "cooldown must suppress back-to-back corrections")

	later := now.Add(config.Get().DriftCooldown + time.Millisecond)
	assert.Equal(t, driftDrop, dc.Decide(later))

	drops, inserts := dc.Counters()
	assert.Equal(t, uint64(2), drops)
	assert.Equal(t, uint64(0), inserts)
}

func TestDriftControllerSpikeDoesNotTrigger(t *testing.T) {
	dc := newDriftController(48000, 480)
	now := feedFill(dc, time.Unix(1000, 0), 50.0, len(dc.samples)-1)

	// One 100% spike against a 50% background moves the average to ~50.5.
	dc.Observe(100.0)
	assert.Equal(t, driftNone, dc.Decide(now.Add(10*time.Millisecond)))
	assert.InDelta(t, 50.5, dc.AverageFill(), 0.01)
}

func TestDriftControllerAverageTracksWindow(t *testing.T) {
	dc := newDriftController(48000, 480)
	now := feedFill(dc, time.Unix(1000, 0), 30.0, len(dc.samples))
	assert.InDelta(t, 30.0, dc.AverageFill(), 0.001)

	// Refill the whole window at a new level; the average follows.
	feedFill(dc, now, 70.0, len(dc.samples))
	assert.InDelta(t, 70.0, dc.AverageFill(), 0.001)
}

func TestDriftAdjustmentFrames(t *testing.T) {
	dc := newDriftController(48000, 480)
	assert.Equal(t, 48, dc.AdjustmentFrames(48000), "~1ms at 48kHz")
	assert.Equal(t, 96, dc.AdjustmentFrames(96000))
	assert.Equal(t, 1, dc.AdjustmentFrames(1), "never zero")
}
