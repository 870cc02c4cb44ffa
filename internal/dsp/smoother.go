package dsp

import "math"

// Smoother ramps one parameter toward its target along an exponential decay,
// one step per sample. Instantaneous parameter changes step the target only;
// the emitted value approaches it with time constant tau, reaching ~99% of
// the distance after 5 tau. With the stock 10ms time constant that is
// convergence within ~50ms, slow enough to suppress zipper noise and fast
// enough to feel immediate.
type Smoother struct {
	value  float64
	target float64
	coeff  float64 // per-sample decay factor, exp(-1/(tau*fs))
}

// Init derives the per-sample smoothing coefficient for the given rate and
// time constant. It preserves the current value and target, so a sample-rate
// change mid-ramp keeps ramping.
func (s *Smoother) Init(sampleRate float64, timeConstantMs float64) {
	if sampleRate <= 0 || timeConstantMs <= 0 {
		s.coeff = 0
		return
	}
	tauSamples := timeConstantMs / 1000 * sampleRate
	s.coeff = math.Exp(-1 / tauSamples)
}

// SetValue snaps value and target immediately. Used at construction and on
// reset; never during playback.
func (s *Smoother) SetValue(v float64) {
	s.value = v
	s.target = v
}

// SetTarget begins a ramp toward v.
func (s *Smoother) SetTarget(v float64) {
	s.target = v
}

// Target returns the value the smoother is ramping toward.
func (s *Smoother) Target() float64 {
	return s.target
}

// Value returns the current smoothed value without advancing.
func (s *Smoother) Value() float64 {
	return s.value
}

// Next advances one sample and returns the smoothed value.
func (s *Smoother) Next() float64 {
	s.value = s.target + (s.value-s.target)*s.coeff
	return s.value
}

// Advance steps the smoother forward by n samples in one call and returns
// the resulting value. Equivalent to n calls to Next; used by the engine to
// move block-rate parameters between coefficient updates.
func (s *Smoother) Advance(n int) float64 {
	if n <= 0 {
		return s.value
	}
	s.value = s.target + (s.value-s.target)*math.Pow(s.coeff, float64(n))
	return s.value
}

// DBToGain converts decibels to a linear amplitude factor.
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// GainToDB converts a linear amplitude factor to decibels.
func GainToDB(gain float64) float64 {
	if gain <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(gain)
}
