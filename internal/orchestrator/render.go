package orchestrator

import (
	"time"

	"github.com/soundweave/eqhost/internal/dsp"
	"github.com/soundweave/eqhost/internal/transport"
)

// maxRenderFrames is the largest callback block the renderer preallocates
// for. OS callbacks are typically 128-2048 frames; anything larger grows
// the scratch buffers once, outside the steady state.
const maxRenderFrames = 4096

// renderer is the realtime consumer: it pulls interleaved stereo from the
// shared ring, runs it through the DSP engine and de-interleaves into the
// planar buffers the audio system hands out. Everything here runs on the
// device's render thread and must not allocate or block in steady state.
type renderer struct {
	reader *transport.Reader
	engine *dsp.Engine
	drift  *driftController
	region *transport.Region

	sampleRate int

	inBuf  []float32 // interleaved ring output
	outBuf []float32 // interleaved engine output
}

func newRenderer(region *transport.Region, engine *dsp.Engine, sampleRate, framesPerCallback int) *renderer {
	n := maxRenderFrames
	if framesPerCallback > n {
		n = framesPerCallback
	}
	return &renderer{
		reader:     transport.NewReader(region),
		engine:     engine,
		drift:      newDriftController(sampleRate, framesPerCallback),
		region:     region,
		sampleRate: sampleRate,
		inBuf:      make([]float32, n*2),
		outBuf:     make([]float32, n*2),
	}
}

// Render is the RenderFunc bound to the device stream.
func (rn *renderer) Render(out [][]float32, frames int) {
	if frames <= 0 || len(out) == 0 {
		return
	}
	rn.ensureCapacity(frames)

	now := time.Now()
	rn.drift.Observe(rn.region.FillPercent())

	switch rn.drift.Decide(now) {
	case driftDrop:
		// Consume and discard a slice of backlog before the real read.
		adj := rn.drift.AdjustmentFrames(rn.sampleRate)
		if adj > frames {
			adj = frames
		}
		rn.reader.ReadOrSilence(rn.inBuf, adj)
		rn.readInto(rn.inBuf, frames)
	case driftInsert:
		// Shift this block forward with leading silence so the producer
		// regains headroom.
		adj := rn.drift.AdjustmentFrames(rn.sampleRate)
		if adj > frames {
			adj = frames
		}
		zeroSamples(rn.inBuf[:adj*2])
		rn.readInto(rn.inBuf[adj*2:], frames-adj)
	default:
		rn.readInto(rn.inBuf, frames)
	}

	rn.engine.ProcessInterleaved(rn.inBuf, rn.outBuf, frames)
	deinterleave(out, rn.outBuf, frames)
}

// readInto pulls n frames via the safe-mode read path and charges the
// engine's underrun counter for any shortfall. The reader already
// zero-filled the tail.
func (rn *renderer) readInto(dst []float32, n int) {
	if n <= 0 {
		return
	}
	if got := rn.reader.ReadOrSilence(dst, n); got < n {
		rn.engine.AddUnderruns(1)
	}
}

// ensureCapacity grows the scratch buffers for an oversized callback. This
// allocates, but only on the first such block.
func (rn *renderer) ensureCapacity(frames int) {
	if frames*2 <= len(rn.inBuf) {
		return
	}
	rn.inBuf = make([]float32, frames*2)
	rn.outBuf = make([]float32, frames*2)
}

// Close clears the host-side connected flag on the ring.
func (rn *renderer) Close() {
	rn.reader.Close()
}

// deinterleave spreads interleaved stereo into the planar device buffers.
// Channels beyond the first two are zeroed; a mono device gets the left
// channel.
func deinterleave(out [][]float32, in []float32, frames int) {
	for ch := range out {
		dst := out[ch]
		if ch < 2 {
			for i := 0; i < frames; i++ {
				dst[i] = in[i*2+ch]
			}
		} else {
			zeroSamples(dst[:frames])
		}
	}
}

func zeroSamples(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
