package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundweave/eqhost/internal/config"
)

func TestRegionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-1.shm")

	prod, err := Create(path, testFormat(EncodingFloat32), 128)
	require.NoError(t, err)
	defer prod.Close()

	cons, err := Open(path)
	require.NoError(t, err)
	defer cons.Close()

	// Both mappings see the same header and the same ring bytes.
	assert.Equal(t, prod.Format(), cons.Format())
	assert.Equal(t, uint64(128), cons.Capacity())

	w := NewWriter(prod)
	rd := NewReader(cons)
	w.Write(rampFrames(7, 16), 16)

	out := make([]float32, 16*2)
	n := rd.Read(out, 16)
	require.Equal(t, 16, n)
	assert.InDelta(t, float64(7)/1024, float64(out[0]), 1e-6)

	// Counters are shared: the producer mapping sees the consumer's reads.
	assert.Equal(t, uint64(16), prod.Snapshot().FramesRead)
}

func TestOpenRejectsProtocolMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.shm")
	r, err := Create(path, testFormat(EncodingFloat32), 16)
	require.NoError(t, err)
	r.u32(offProtocolVersion).Store((ProtocolMajor + 1) << 16)
	require.NoError(t, r.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.shm")
	require.NoError(t, writeFile(path, make([]byte, HeaderSize-1)))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}

func TestCreateValidatesArguments(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "a"), Format{SampleRate: 48000, Channels: 2, Encoding: Encoding(9)}, 16)
	assert.ErrorIs(t, err, ErrInvalidEncoding)
	_, err = Create(filepath.Join(dir, "b"), testFormat(EncodingFloat32), 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestHeaderLayoutIsStable(t *testing.T) {
	// These offsets are the wire contract with the driver producer.
	assert.Equal(t, 0, offProtocolVersion)
	assert.Equal(t, 48, offFormatChange)
	assert.Equal(t, 56, offWriteIndex)
	assert.Equal(t, 64, offReadIndex)
	assert.Equal(t, 112, offDriverConnected)
	assert.Equal(t, 120, offDriverHeartbeat)
	assert.Equal(t, 256, HeaderSize)
}

func TestRegionHeaderFields(t *testing.T) {
	r := newTestRegion(t, EncodingInt24, 4800)
	f := r.Format()
	assert.Equal(t, 48000, f.SampleRate)
	assert.Equal(t, 3, f.Encoding.BytesPerSample())
	assert.Equal(t, 6, f.BytesPerFrame())
	assert.Equal(t, uint32(100), r.u32(offRingDurationMs).Load(), "4800 frames at 48k is 100ms")
	assert.NotZero(t, r.i64(offCreatedAt).Load())
	assert.Equal(t, uint32(ProtocolMajor<<16|ProtocolMinor), r.u32(offProtocolVersion).Load())
}

func TestFillPercent(t *testing.T) {
	r := newTestRegion(t, EncodingFloat32, 100)
	w := NewWriter(r)
	w.Write(rampFrames(0, 50), 50)
	assert.InDelta(t, 50.0, r.FillPercent(), 0.01)
}

func TestHeartTicksAndStops(t *testing.T) {
	saved := config.Get()
	cfg := *saved
	cfg.HeartbeatInterval = 5 * time.Millisecond
	config.Set(&cfg)
	t.Cleanup(func() { config.Set(saved) })

	r := newTestRegion(t, EncodingFloat32, 16)
	h := StartHeart(r, SideHost)

	assert.True(t, r.Connected(SideHost))
	require.Eventually(t, func() bool { return r.Heartbeat(SideHost) >= 3 },
		time.Second, time.Millisecond)

	h.Stop()
	assert.False(t, r.Connected(SideHost))
	beat := r.Heartbeat(SideHost)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, beat, r.Heartbeat(SideHost), "no beats after stop")

	h.Stop() // idempotent
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o666)
}
