package transport

import (
	"errors"
	"fmt"
	"math"
)

// Format errors
var (
	ErrInvalidEncoding   = errors.New("invalid sample encoding")
	ErrInvalidChannels   = errors.New("invalid channel count")
	ErrInvalidSampleRate = errors.New("invalid sample rate")
	ErrInvalidCapacity   = errors.New("invalid ring capacity")
)

// Encoding identifies the sample representation inside the ring buffer. The
// numeric values are part of the shared-memory wire format.
type Encoding uint32

const (
	EncodingFloat32 Encoding = iota
	EncodingFloat64
	EncodingInt16
	EncodingInt24
	EncodingInt32

	numEncodings
)

func (e Encoding) String() string {
	switch e {
	case EncodingFloat32:
		return "float32"
	case EncodingFloat64:
		return "float64"
	case EncodingInt16:
		return "int16"
	case EncodingInt24:
		return "int24"
	case EncodingInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// Valid reports whether e names a supported encoding.
func (e Encoding) Valid() bool {
	return e < numEncodings
}

// BytesPerSample returns the storage width of one sample.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingFloat32:
		return 4
	case EncodingFloat64:
		return 8
	case EncodingInt16:
		return 2
	case EncodingInt24:
		return 3
	case EncodingInt32:
		return 4
	default:
		return 0
	}
}

// Format describes the negotiated stream format carried by a region.
type Format struct {
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Encoding   Encoding `json:"encoding"`
}

// Validate checks the format fields against supported ranges.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 384000 {
		return fmt.Errorf("%w: %d", ErrInvalidSampleRate, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("%w: %d", ErrInvalidChannels, f.Channels)
	}
	if !f.Encoding.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidEncoding, f.Encoding)
	}
	return nil
}

// BytesPerFrame returns the storage width of one interleaved frame.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

const (
	int24Max = 1<<23 - 1
	int24Min = -(1 << 23)
)

// encodeSample stores one float32 sample into buf using the encoding.
// Integer encodings clip at full scale; the float encodings store verbatim.
// Little-endian throughout, matching the wire format.
func encodeSample(enc Encoding, buf []byte, v float32) {
	switch enc {
	case EncodingFloat32:
		bits := math.Float32bits(v)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
	case EncodingFloat64:
		bits := math.Float64bits(float64(v))
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
	case EncodingInt16:
		s := clipInt(float64(v)*32767, -32768, 32767)
		buf[0] = byte(s)
		buf[1] = byte(s >> 8)
	case EncodingInt24:
		s := clipInt(float64(v)*float64(int24Max), int24Min, int24Max)
		buf[0] = byte(s)
		buf[1] = byte(s >> 8)
		buf[2] = byte(s >> 16)
	case EncodingInt32:
		s := clipInt(float64(v)*2147483647, math.MinInt32, math.MaxInt32)
		buf[0] = byte(s)
		buf[1] = byte(s >> 8)
		buf[2] = byte(s >> 16)
		buf[3] = byte(s >> 24)
	}
}

// decodeSample loads one sample from buf and converts it back to float32.
func decodeSample(enc Encoding, buf []byte) float32 {
	switch enc {
	case EncodingFloat32:
		bits := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		return math.Float32frombits(bits)
	case EncodingFloat64:
		var bits uint64
		for i := 0; i < 8; i++ {
			bits |= uint64(buf[i]) << (8 * i)
		}
		return float32(math.Float64frombits(bits))
	case EncodingInt16:
		s := int16(uint16(buf[0]) | uint16(buf[1])<<8)
		return float32(s) / 32767
	case EncodingInt24:
		u := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
		s := int32(u << 8) >> 8 // sign extend
		return float32(s) / float32(int24Max)
	case EncodingInt32:
		s := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
		return float32(float64(s) / 2147483647)
	default:
		return 0
	}
}

func clipInt(v, lo, hi float64) int64 {
	if v < lo {
		return int64(lo)
	}
	if v > hi {
		return int64(hi)
	}
	return int64(v)
}
