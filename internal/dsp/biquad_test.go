package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSampleRate = 48000.0

// genSine fills an interleaved stereo buffer with a full-scale sine on both
// channels.
func genSine(freq float64, frames int) []float32 {
	buf := make([]float32, frames*stereoChannels)
	for i := 0; i < frames; i++ {
		s := float32(math.Sin(2 * math.Pi * freq * float64(i) / testSampleRate))
		buf[i*2] = s
		buf[i*2+1] = s
	}
	return buf
}

// rmsChannel measures the RMS of one channel over the last half of the
// buffer, past the filter's transient.
func rmsChannel(buf []float32, ch, frames int) float64 {
	start := frames / 2
	var sum float64
	for i := start; i < frames; i++ {
		v := float64(buf[i*2+ch])
		sum += v * v
	}
	return math.Sqrt(sum / float64(frames-start))
}

func TestIdentityCoefficientsPassThrough(t *testing.T) {
	b := NewBiquad()
	in := genSine(1000, 256)
	out := make([]float32, len(in))
	b.ProcessBuffer(out, in, 256)
	assert.Equal(t, in, out, "identity transform must be bit-exact")
}

func TestFlatGainBandsCollapseToIdentity(t *testing.T) {
	for _, ft := range []FilterType{FilterPeak, FilterLowShelf, FilterHighShelf} {
		c := ComputeCoefficients(ft, 1000, 0, 1.0, testSampleRate)
		assert.Equal(t, IdentityCoefficients(), c, "%s at 0 dB", ft)
	}
}

func TestPeakFilterAccuracy(t *testing.T) {
	const frames = 48000
	b := NewBiquad()
	b.SetCoefficients(ComputeCoefficients(FilterPeak, 1000, 6, 2, testSampleRate))

	// Boost at center frequency within ±1 dB of +6 dB.
	in := genSine(1000, frames)
	out := make([]float32, len(in))
	b.ProcessBuffer(out, in, frames)
	boost := GainToDB(rmsChannel(out, 0, frames) / rmsChannel(in, 0, frames))
	assert.InDelta(t, 6.0, boost, 1.0, "boost at 1 kHz")

	// Well below the band the response stays under 1 dB.
	b.Reset()
	in = genSine(100, frames)
	out = make([]float32, len(in))
	b.ProcessBuffer(out, in, frames)
	boost = GainToDB(rmsChannel(out, 0, frames) / rmsChannel(in, 0, frames))
	assert.Less(t, boost, 1.0, "boost at 100 Hz")
}

func TestCoefficientClamping(t *testing.T) {
	tests := []struct {
		name   string
		ftype  FilterType
		freq   float64
		gainDB float64
		q      float64
	}{
		{"FrequencyAboveNyquist", FilterLowPass, 40000, 0, 0.707},
		{"FrequencyBelowAudible", FilterPeak, 1, 6, 1},
		{"QBelowRange", FilterPeak, 1000, 6, 0.001},
		{"QAboveRange", FilterPeak, 1000, 6, 100},
		{"GainAboveRange", FilterPeak, 1000, 40, 1},
		{"GainBelowRange", FilterPeak, 1000, -40, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ComputeCoefficients(tt.ftype, tt.freq, tt.gainDB, tt.q, testSampleRate)
			// Stable second-order poles satisfy |A2| < 1 and |A1| < 1 + A2.
			require.Less(t, math.Abs(c.A2), 1.0, "pole radius")
			require.Less(t, math.Abs(c.A1), 1+c.A2+1e-9, "pole angle")

			// And the filter must not blow up on real input.
			b := NewBiquad()
			b.SetCoefficients(c)
			buf := genSine(440, 4096)
			b.ProcessBuffer(buf, buf, 4096)
			for _, v := range buf {
				require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
				require.Less(t, math.Abs(float64(v)), 100.0)
			}
		})
	}
}

func TestInvalidFilterTypeYieldsIdentity(t *testing.T) {
	c := ComputeCoefficients(FilterType(99), 1000, 6, 1, testSampleRate)
	assert.Equal(t, IdentityCoefficients(), c)
}

func TestBiquadResetClearsStateOnly(t *testing.T) {
	b := NewBiquad()
	b.SetCoefficients(ComputeCoefficients(FilterLowPass, 500, 0, 0.707, testSampleRate))

	buf := genSine(1000, 512)
	b.ProcessBuffer(buf, buf, 512)
	before := b.Coefficients

	b.Reset()
	assert.Equal(t, before, b.Coefficients, "reset must not touch coefficients")
	assert.Zero(t, b.d0[0])
	assert.Zero(t, b.d1[1])
}

func TestProcessStridedMatchesProcessSample(t *testing.T) {
	c := ComputeCoefficients(FilterHighShelf, 4000, -6, 0.9, testSampleRate)

	ref := NewBiquad()
	ref.SetCoefficients(c)
	strided := NewBiquad()
	strided.SetCoefficients(c)

	in := genSine(700, 1024)
	want := make([]float32, 1024)
	for i := 0; i < 1024; i++ {
		want[i] = float32(ref.ProcessSample(0, float64(in[i*2])))
	}

	got := make([]float32, len(in))
	copy(got, in)
	strided.ProcessStrided(got, 0, 2, 1024, 0)
	for i := 0; i < 1024; i++ {
		assert.InDelta(t, want[i], got[i*2], 1e-6)
	}
}

func BenchmarkBiquadProcessBuffer(b *testing.B) {
	bq := NewBiquad()
	bq.SetCoefficients(ComputeCoefficients(FilterPeak, 1000, 6, 2, testSampleRate))
	buf := genSine(440, 512)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bq.ProcessBuffer(buf, buf, 512)
	}
}
