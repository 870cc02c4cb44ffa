package dsp

import "math"

// Coefficients holds the normalized transfer function of a second-order
// section. a0 is normalized to 1 and not stored. The sign convention follows
// Direct Form II Transposed:
//
//	y  = B0*x + d0
//	d0 = B1*x - A1*y + d1
//	d1 = B2*x - A2*y
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// IdentityCoefficients is the bit-exact passthrough transform used for
// disabled and flat bands.
func IdentityCoefficients() Coefficients {
	return Coefficients{B0: 1}
}

// coeffFunc derives coefficients from clamped band parameters. One entry per
// FilterType; indexed dispatch keeps the recomputation path branch-predictable
// and allocation-free.
type coeffFunc func(w0, gainDB, q float64) Coefficients

var coeffTable = [numFilterTypes]coeffFunc{
	FilterPeak:      peakCoefficients,
	FilterLowShelf:  lowShelfCoefficients,
	FilterHighShelf: highShelfCoefficients,
	FilterLowPass:   lowPassCoefficients,
	FilterHighPass:  highPassCoefficients,
	FilterNotch:     notchCoefficients,
	FilterBandPass:  bandPassCoefficients,
}

// ComputeCoefficients derives RBJ audio-EQ-cookbook coefficients for the
// given shape. Frequency is clamped below Nyquist and Q/gain to their valid
// ranges before the formulas run, so the resulting poles are always stable.
// A gain-type band (peak, shelf) at exactly 0 dB yields the identity
// transform.
func ComputeCoefficients(t FilterType, freqHz, gainDB, q, sampleRate float64) Coefficients {
	if !t.Valid() {
		return IdentityCoefficients()
	}

	freqHz = clamp(freqHz, MinFrequencyHz, math.Min(MaxFrequencyHz, 0.49*sampleRate))
	gainDB = clamp(gainDB, MinGainDB, MaxGainDB)
	q = clamp(q, MinQ, MaxQ)

	if gainDB == 0 {
		switch t {
		case FilterPeak, FilterLowShelf, FilterHighShelf:
			return IdentityCoefficients()
		}
	}

	w0 := 2 * math.Pi * freqHz / sampleRate
	return coeffTable[t](w0, gainDB, q)
}

func peakCoefficients(w0, gainDB, q float64) Coefficients {
	a := math.Pow(10, gainDB/40)
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	b0 := 1 + alpha*a
	b1 := -2 * cos
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cos
	a2 := 1 - alpha/a
	return normalize(b0, b1, b2, a0, a1, a2)
}

func lowShelfCoefficients(w0, gainDB, q float64) Coefficients {
	a := math.Pow(10, gainDB/40)
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)
	beta := 2 * math.Sqrt(a) * alpha

	b0 := a * ((a + 1) - (a-1)*cos + beta)
	b1 := 2 * a * ((a - 1) - (a+1)*cos)
	b2 := a * ((a + 1) - (a-1)*cos - beta)
	a0 := (a + 1) + (a-1)*cos + beta
	a1 := -2 * ((a - 1) + (a+1)*cos)
	a2 := (a + 1) + (a-1)*cos - beta
	return normalize(b0, b1, b2, a0, a1, a2)
}

func highShelfCoefficients(w0, gainDB, q float64) Coefficients {
	a := math.Pow(10, gainDB/40)
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)
	beta := 2 * math.Sqrt(a) * alpha

	b0 := a * ((a + 1) + (a-1)*cos + beta)
	b1 := -2 * a * ((a - 1) + (a+1)*cos)
	b2 := a * ((a + 1) + (a-1)*cos - beta)
	a0 := (a + 1) - (a-1)*cos + beta
	a1 := 2 * ((a - 1) - (a+1)*cos)
	a2 := (a + 1) - (a-1)*cos - beta
	return normalize(b0, b1, b2, a0, a1, a2)
}

func lowPassCoefficients(w0, _, q float64) Coefficients {
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	b0 := (1 - cos) / 2
	b1 := 1 - cos
	b2 := (1 - cos) / 2
	a0 := 1 + alpha
	a1 := -2 * cos
	a2 := 1 - alpha
	return normalize(b0, b1, b2, a0, a1, a2)
}

func highPassCoefficients(w0, _, q float64) Coefficients {
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	b0 := (1 + cos) / 2
	b1 := -(1 + cos)
	b2 := (1 + cos) / 2
	a0 := 1 + alpha
	a1 := -2 * cos
	a2 := 1 - alpha
	return normalize(b0, b1, b2, a0, a1, a2)
}

func notchCoefficients(w0, _, q float64) Coefficients {
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	b0 := 1.0
	b1 := -2 * cos
	b2 := 1.0
	a0 := 1 + alpha
	a1 := -2 * cos
	a2 := 1 - alpha
	return normalize(b0, b1, b2, a0, a1, a2)
}

func bandPassCoefficients(w0, _, q float64) Coefficients {
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	// Constant 0 dB peak gain variant.
	b0 := alpha
	b1 := 0.0
	b2 := -alpha
	a0 := 1 + alpha
	a1 := -2 * cos
	a2 := 1 - alpha
	return normalize(b0, b1, b2, a0, a1, a2)
}

func normalize(b0, b1, b2, a0, a1, a2 float64) Coefficients {
	inv := 1 / a0
	return Coefficients{
		B0: b0 * inv,
		B1: b1 * inv,
		B2: b2 * inv,
		A1: a1 * inv,
		A2: a2 * inv,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stereoChannels is fixed: the transport and the render path carry exactly
// two channels.
const stereoChannels = 2

// Biquad is a single second-order section with independent Direct Form II
// Transposed state per channel. Coefficient updates and Reset are the only
// non-processing mutations; both are performed on the realtime thread during
// process calls, never concurrently with it.
type Biquad struct {
	Coefficients

	d0 [stereoChannels]float64
	d1 [stereoChannels]float64
}

// NewBiquad returns a section initialized to the identity transform.
func NewBiquad() *Biquad {
	return &Biquad{Coefficients: IdentityCoefficients()}
}

// SetCoefficients replaces the transfer function without touching the delay
// lines, so mid-stream retunes stay click-free.
func (b *Biquad) SetCoefficients(c Coefficients) {
	b.Coefficients = c
}

// Reset zeroes the delay lines only.
func (b *Biquad) Reset() {
	for ch := 0; ch < stereoChannels; ch++ {
		b.d0[ch] = 0
		b.d1[ch] = 0
	}
}

// ProcessSample filters one sample on the given channel.
func (b *Biquad) ProcessSample(ch int, x float64) float64 {
	y := b.B0*x + b.d0[ch]
	b.d0[ch] = b.B1*x - b.A1*y + b.d1[ch]
	b.d1[ch] = b.B2*x - b.A2*y
	return y
}

// ProcessStrided filters n samples of channel ch in place, starting at
// buf[start] and stepping by stride. stride 2 walks one leg of an
// interleaved stereo buffer, stride 1 a planar buffer. Zero-alloc.
func (b *Biquad) ProcessStrided(buf []float32, start, stride, n, ch int) {
	b0, b1, b2 := b.B0, b.B1, b.B2
	a1, a2 := b.A1, b.A2
	d0, d1 := b.d0[ch], b.d1[ch]

	idx := start
	for i := 0; i < n; i++ {
		x := float64(buf[idx])
		y := b0*x + d0
		d0 = b1*x - a1*y + d1
		d1 = b2*x - a2*y
		buf[idx] = float32(y)
		idx += stride
	}

	b.d0[ch], b.d1[ch] = d0, d1
}

// ProcessBuffer filters n frames of an interleaved stereo buffer from src
// into dst. src and dst may alias. Zero-alloc.
func (b *Biquad) ProcessBuffer(dst, src []float32, frames int) {
	if &dst[0] != &src[0] {
		copy(dst[:frames*stereoChannels], src[:frames*stereoChannels])
	}
	b.ProcessStrided(dst, 0, stereoChannels, frames, 0)
	b.ProcessStrided(dst, 1, stereoChannels, frames, 1)
}
