package transport

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Protocol version carried in every region header. The minor half may grow
// without breaking peers; a major mismatch rejects the region.
const (
	ProtocolMajor = 1
	ProtocolMinor = 2
)

// Region errors
var (
	ErrProtocolMismatch = errors.New("region protocol version mismatch")
	ErrRegionTooSmall   = errors.New("region file smaller than header")
	ErrRegionClosed     = errors.New("region is closed")
)

// Header layout. Fixed 256-byte header, little-endian, 8-byte aligned
// atomics, followed by the raw interleaved sample buffer of
// capacity_frames * channels * bytes_per_sample bytes. The layout is the
// wire contract with the driver-side producer; offsets must never move
// within a protocol major version.
const (
	offProtocolVersion = 0  // uint32: major<<16 | minor
	offSampleRate      = 4  // uint32
	offChannels        = 8  // uint32
	offEncoding        = 12 // uint32
	offBytesPerSample  = 16 // uint32
	offBytesPerFrame   = 20 // uint32
	offRingCapacity    = 24 // uint32, frames
	offRingDurationMs  = 28 // uint32
	offCapabilities    = 32 // uint32 bit-flags
	offCreatedAt       = 40 // int64, unix nanoseconds
	offFormatChange    = 48 // uint64, atomic
	offWriteIndex      = 56 // uint64, atomic, monotonic
	offReadIndex       = 64 // uint64, atomic, monotonic
	offFramesWritten   = 72 // uint64, atomic
	offFramesRead      = 80 // uint64, atomic
	offOverruns        = 88 // uint64, atomic
	offUnderruns       = 96 // uint64, atomic
	offMismatches      = 104 // uint64, atomic
	offDriverConnected = 112 // uint32, atomic
	offHostConnected   = 116 // uint32, atomic
	offDriverHeartbeat = 120 // uint64, atomic
	offHostHeartbeat   = 128 // uint64, atomic

	// 136..256 reserved for future minor versions.
	HeaderSize = 256
)

// Capability bit-flags advertised in the header.
const (
	CapFloat64 uint32 = 1 << iota
	CapInt24
	CapFormatRenegotiation
)

// Side names one end of the transport.
type Side int

const (
	SideDriver Side = iota // producer, inside the OS audio subsystem
	SideHost               // consumer, this process
)

func (s Side) String() string {
	if s == SideDriver {
		return "driver"
	}
	return "host"
}

// Stats is a snapshot of the region's cumulative counters.
type Stats struct {
	FramesWritten       uint64 `json:"frames_written"`
	FramesRead          uint64 `json:"frames_read"`
	OverrunCount        uint64 `json:"overrun_count"`
	UnderrunCount       uint64 `json:"underrun_count"`
	FormatMismatchCount uint64 `json:"format_mismatch_count"`
	BacklogFrames       uint64 `json:"backlog_frames"`
	CapacityFrames      uint64 `json:"capacity_frames"`
	DriverConnected     bool   `json:"driver_connected"`
	HostConnected       bool   `json:"host_connected"`
	DriverHeartbeat     uint64 `json:"driver_heartbeat"`
	HostHeartbeat       uint64 `json:"host_heartbeat"`
}

// Region is a memory-mapped single-producer/single-consumer audio ring
// shared between the driver (producer) and this host (consumer). All header
// fields that either side mutates after creation are accessed atomically;
// neither side ever takes a lock on the region.
type Region struct {
	data []byte
	file *os.File // nil for buffer-backed regions
	path string
}

// Create builds a new region file at path sized for the format and capacity,
// maps it and initializes the header. The file is world-readable and
// writable: the driver runs inside the audio daemon under a different user.
func Create(path string, f Format, capacityFrames int) (*Region, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if capacityFrames <= 0 {
		return nil, fmt.Errorf("%w: %d frames", ErrInvalidCapacity, capacityFrames)
	}

	size := HeaderSize + capacityFrames*f.BytesPerFrame()

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create region file: %w", err)
	}
	// Permissions again, in case umask stripped them.
	_ = file.Chmod(0o666)
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("size region file: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("map region file: %w", err)
	}

	r := &Region{data: data, file: file, path: path}
	r.initHeader(f, capacityFrames)
	return r, nil
}

// Open maps an existing region file and validates its protocol version.
func Open(path string) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if fi.Size() < HeaderSize {
		file.Close()
		return nil, ErrRegionTooSmall
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("map region file: %w", err)
	}

	r := &Region{data: data, file: file, path: path}
	if major := r.u32(offProtocolVersion).Load() >> 16; major != ProtocolMajor {
		_ = unix.Munmap(data)
		file.Close()
		return nil, fmt.Errorf("%w: have %d, want %d", ErrProtocolMismatch, major, ProtocolMajor)
	}
	return r, nil
}

// NewBuffer builds a region over anonymous memory. Used by tests and by the
// loopback audio system; the layout is identical to a file-backed region.
func NewBuffer(f Format, capacityFrames int) (*Region, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if capacityFrames <= 0 {
		return nil, fmt.Errorf("%w: %d frames", ErrInvalidCapacity, capacityFrames)
	}

	size := HeaderSize + capacityFrames*f.BytesPerFrame()
	// Back the slice with uint64s so the header atomics are 8-byte aligned.
	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	r := &Region{data: data}
	r.initHeader(f, capacityFrames)
	return r, nil
}

func (r *Region) initHeader(f Format, capacityFrames int) {
	r.u32(offProtocolVersion).Store(ProtocolMajor<<16 | ProtocolMinor)
	r.storeFormat(f)
	r.u32(offRingCapacity).Store(uint32(capacityFrames))
	r.u32(offRingDurationMs).Store(uint32(int64(capacityFrames) * 1000 / int64(f.SampleRate)))
	r.u32(offCapabilities).Store(CapFloat64 | CapInt24 | CapFormatRenegotiation)
	r.i64(offCreatedAt).Store(time.Now().UnixNano())
}

func (r *Region) storeFormat(f Format) {
	r.u32(offSampleRate).Store(uint32(f.SampleRate))
	r.u32(offChannels).Store(uint32(f.Channels))
	r.u32(offEncoding).Store(uint32(f.Encoding))
	r.u32(offBytesPerSample).Store(uint32(f.Encoding.BytesPerSample()))
	r.u32(offBytesPerFrame).Store(uint32(f.BytesPerFrame()))
}

// Close unmaps the region and closes the backing file. The consumer clears
// its connected flag first so the peer sees an orderly disconnect.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	r.SetConnected(SideHost, false)
	var err error
	if r.file != nil {
		err = unix.Munmap(r.data)
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	r.data = nil
	return err
}

// Path returns the backing file path, empty for buffer regions.
func (r *Region) Path() string { return r.path }

// Format returns the currently negotiated format.
func (r *Region) Format() Format {
	return Format{
		SampleRate: int(r.u32(offSampleRate).Load()),
		Channels:   int(r.u32(offChannels).Load()),
		Encoding:   Encoding(r.u32(offEncoding).Load()),
	}
}

// Capacity returns the ring capacity in frames.
func (r *Region) Capacity() uint64 {
	return uint64(r.u32(offRingCapacity).Load())
}

// ProposeFormat stages a new stream format and bumps the format change
// counter. The peer must observe the counter, reinterpret the ring and
// acknowledge before audio flows again; until then reads force silence.
func (r *Region) ProposeFormat(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r.storeFormat(f)
	r.u64(offFormatChange).Add(1)
	return nil
}

// FormatChangeCounter returns the current renegotiation counter.
func (r *Region) FormatChangeCounter() uint64 {
	return r.u64(offFormatChange).Load()
}

// SetConnected publishes one side's connected flag.
func (r *Region) SetConnected(side Side, connected bool) {
	var v uint32
	if connected {
		v = 1
	}
	r.u32(connOffset(side)).Store(v)
}

// Connected reports one side's connected flag.
func (r *Region) Connected(side Side) bool {
	return r.u32(connOffset(side)).Load() != 0
}

// Beat increments one side's heartbeat counter. Each side ticks its own
// counter roughly once per second.
func (r *Region) Beat(side Side) {
	r.u64(beatOffset(side)).Add(1)
}

// Heartbeat returns one side's heartbeat counter.
func (r *Region) Heartbeat(side Side) uint64 {
	return r.u64(beatOffset(side)).Load()
}

// Healthy reports whether both sides are connected and have produced at
// least one heartbeat. Staleness detection is the reader's job; loss of
// health is never fatal, the consumer plays silence until health resumes.
func (r *Region) Healthy() bool {
	return r.Connected(SideDriver) && r.Connected(SideHost) &&
		r.Heartbeat(SideDriver) > 0 && r.Heartbeat(SideHost) > 0
}

// Backlog returns write_index - read_index, the number of frames buffered.
func (r *Region) Backlog() uint64 {
	return r.u64(offWriteIndex).Load() - r.u64(offReadIndex).Load()
}

// FillPercent returns the backlog as a percentage of capacity.
func (r *Region) FillPercent() float64 {
	c := r.Capacity()
	if c == 0 {
		return 0
	}
	return float64(r.Backlog()) / float64(c) * 100
}

// Snapshot returns the region's cumulative counters.
func (r *Region) Snapshot() Stats {
	return Stats{
		FramesWritten:       r.u64(offFramesWritten).Load(),
		FramesRead:          r.u64(offFramesRead).Load(),
		OverrunCount:        r.u64(offOverruns).Load(),
		UnderrunCount:       r.u64(offUnderruns).Load(),
		FormatMismatchCount: r.u64(offMismatches).Load(),
		BacklogFrames:       r.Backlog(),
		CapacityFrames:      r.Capacity(),
		DriverConnected:     r.Connected(SideDriver),
		HostConnected:       r.Connected(SideHost),
		DriverHeartbeat:     r.Heartbeat(SideDriver),
		HostHeartbeat:       r.Heartbeat(SideHost),
	}
}

func connOffset(side Side) int {
	if side == SideDriver {
		return offDriverConnected
	}
	return offHostConnected
}

func beatOffset(side Side) int {
	if side == SideDriver {
		return offDriverHeartbeat
	}
	return offHostHeartbeat
}

// ringBytes returns the sample buffer behind the header.
func (r *Region) ringBytes() []byte {
	return r.data[HeaderSize:]
}

// Atomic views into the mapped header. The mapping is page-aligned (or
// uint64-backed for buffer regions), so the fixed offsets keep the required
// 8-byte alignment.
func (r *Region) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) i64(off int) *atomic.Int64 {
	return (*atomic.Int64)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.data[off]))
}
