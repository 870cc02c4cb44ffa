package transport

import (
	"time"

	"github.com/soundweave/eqhost/internal/config"
)

// Writer is the producer-side view of a region. Exactly one goroutine may
// write; the driver plugin is the producer in production, the loopback
// capture source and the tests in-process. Lock-free and non-blocking.
type Writer struct {
	region *Region

	// Format cache, refreshed on renegotiation acknowledgement so the hot
	// path does not reload header fields per sample.
	enc      Encoding
	channels int
	stride   int
}

// NewWriter attaches a producer to the region and marks the driver side
// connected.
func NewWriter(r *Region) *Writer {
	w := &Writer{region: r}
	w.RefreshFormat()
	r.SetConnected(SideDriver, true)
	return w
}

// RefreshFormat reloads the negotiated format into the writer's cache.
// Called after the writer acknowledges a format change.
func (w *Writer) RefreshFormat() {
	f := w.region.Format()
	w.enc = f.Encoding
	w.channels = f.Channels
	w.stride = f.BytesPerFrame()
}

// Write converts n interleaved float32 frames into the region's encoding
// and appends them to the ring. Overflow policy is drop-oldest: when the
// backlog plus n exceeds capacity, the read index is advanced by the excess
// and overrun_count is incremented once. Never blocks, never locks.
//
// Drop-oldest is deliberate: the freshest audio is the audio the listener
// should hear after a stall. Do not flip this to drop-newest without
// changing the documented wire contract.
func (w *Writer) Write(frames []float32, n int) {
	if n <= 0 {
		return
	}
	r := w.region
	capacity := r.Capacity()
	if uint64(n) > capacity {
		// Only the newest capacity frames can survive anyway.
		frames = frames[(uint64(n)-capacity)*uint64(w.channels):]
		n = int(capacity)
	}

	writeIdx := r.u64(offWriteIndex).Load()
	readIdx := r.u64(offReadIndex).Load()
	backlog := writeIdx - readIdx
	if backlog+uint64(n) > capacity {
		excess := backlog + uint64(n) - capacity
		r.u64(offReadIndex).Add(excess)
		r.u64(offOverruns).Add(1)
	}

	ring := r.ringBytes()
	bps := w.enc.BytesPerSample()
	sample := 0
	for i := 0; i < n; i++ {
		pos := int((writeIdx + uint64(i)) % capacity)
		off := pos * w.stride
		for ch := 0; ch < w.channels; ch++ {
			encodeSample(w.enc, ring[off:off+bps], frames[sample])
			off += bps
			sample++
		}
	}

	r.u64(offWriteIndex).Add(uint64(n))
	r.u64(offFramesWritten).Add(uint64(n))
}

// Close clears the driver-side connected flag.
func (w *Writer) Close() {
	w.region.SetConnected(SideDriver, false)
}

// Reader is the consumer-side view of a region. Exactly one goroutine may
// read: the render callback. Lock-free and non-blocking.
type Reader struct {
	region *Region

	enc        Encoding
	channels   int
	stride     int
	ackedCount uint64 // format change counter last acknowledged

	// Producer staleness tracking, consumer-local.
	lastBeat   uint64
	lastChange time.Time
}

// NewReader attaches the consumer to the region, acknowledges the current
// format and marks the host side connected.
func NewReader(r *Region) *Reader {
	rd := &Reader{region: r, lastChange: time.Now()}
	rd.AckFormat()
	r.SetConnected(SideHost, true)
	return rd
}

// AckFormat adopts the currently proposed format and clears the pending
// renegotiation. The caller must have resized or reinterpreted its buffers
// for the new format first.
func (rd *Reader) AckFormat() Format {
	f := rd.region.Format()
	rd.enc = f.Encoding
	rd.channels = f.Channels
	rd.stride = f.BytesPerFrame()
	rd.ackedCount = rd.region.FormatChangeCounter()
	return f
}

// FormatPending reports whether the producer proposed a format the reader
// has not acknowledged yet.
func (rd *Reader) FormatPending() bool {
	return rd.region.FormatChangeCounter() != rd.ackedCount
}

// Read pulls up to n frames, converting from the region's encoding to
// float32. When fewer than n frames are available the shortfall is
// zero-filled and underrun_count is incremented once; the read index only
// ever advances by the frames actually consumed. Returns the frames read.
func (rd *Reader) Read(out []float32, n int) int {
	if n <= 0 {
		return 0
	}
	r := rd.region
	capacity := r.Capacity()

	writeIdx := r.u64(offWriteIndex).Load()
	readIdx := r.u64(offReadIndex).Load()
	available := writeIdx - readIdx

	toRead := uint64(n)
	if available < toRead {
		toRead = available
	}

	ring := r.ringBytes()
	bps := rd.enc.BytesPerSample()
	sample := 0
	for i := uint64(0); i < toRead; i++ {
		pos := int((readIdx + i) % capacity)
		off := pos * rd.stride
		for ch := 0; ch < rd.channels; ch++ {
			out[sample] = decodeSample(rd.enc, ring[off:off+bps])
			off += bps
			sample++
		}
	}

	if toRead < uint64(n) {
		zero(out[int(toRead)*rd.channels : n*rd.channels])
		r.u64(offUnderruns).Add(1)
	}

	if toRead > 0 {
		r.u64(offReadIndex).Add(toRead)
		r.u64(offFramesRead).Add(toRead)
	}
	return int(toRead)
}

// ReadOrSilence is the render-path entry point: it layers the safe-mode
// policies over Read. A pending format renegotiation forces silence and
// counts a format mismatch; a stale or disconnected producer forces silence
// without touching the ring. Both conditions are self-healing, the next
// healthy call resumes audio automatically.
func (rd *Reader) ReadOrSilence(out []float32, n int) int {
	if n <= 0 {
		return 0
	}
	if rd.FormatPending() {
		rd.region.u64(offMismatches).Add(1)
		zero(out[:n*rd.channels])
		return 0
	}
	if !rd.producerAlive(time.Now()) {
		zero(out[:n*rd.channels])
		return 0
	}
	return rd.Read(out, n)
}

// producerAlive checks the driver's connected flag and heartbeat movement.
// A heartbeat frozen longer than the staleness window means the producer is
// gone even if its connected flag was left behind.
func (rd *Reader) producerAlive(now time.Time) bool {
	r := rd.region
	if !r.Connected(SideDriver) {
		return false
	}
	beat := r.Heartbeat(SideDriver)
	if beat == 0 {
		return false
	}
	if beat != rd.lastBeat {
		rd.lastBeat = beat
		rd.lastChange = now
		return true
	}
	return now.Sub(rd.lastChange) < config.Get().HeartbeatStaleAfter
}

// Close clears the host-side connected flag.
func (rd *Reader) Close() {
	rd.region.SetConnected(SideHost, false)
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
