package dsp

import "math"

// Limiter release and knee tuning. Attack is instantaneous: the envelope
// follower tracks peaks directly, so the static curve bounds every output
// sample rather than only the average.
const (
	limiterReleaseMs   = 80.0
	limiterKneeWidthDB = 6.0
)

// Limiter is a soft-knee peak limiter placed after the band cascade. Levels
// below the knee pass untouched; inside the knee the curve bends
// quadratically; above it the output level is pinned to the threshold. With
// the threshold at or below 0 dBFS the output peak therefore never exceeds
// full scale, even with the preamp at +12 dB.
type Limiter struct {
	thresholdDB  float64
	releaseCoeff float64

	env [stereoChannels]float64
}

// Init derives the release coefficient for the sample rate. State survives
// so a rate change mid-stream does not pump.
func (l *Limiter) Init(sampleRate float64) {
	if sampleRate <= 0 {
		l.releaseCoeff = 0
		return
	}
	l.releaseCoeff = math.Exp(-1 / (limiterReleaseMs / 1000 * sampleRate))
}

// SetThreshold sets the limiting ceiling in dBFS, clamped to the valid
// preset range.
func (l *Limiter) SetThreshold(db float64) {
	l.thresholdDB = clamp(db, MinLimiterThresholdDB, MaxLimiterThresholdDB)
}

// Threshold returns the active ceiling in dBFS.
func (l *Limiter) Threshold() float64 {
	return l.thresholdDB
}

// Reset zeroes the envelope followers.
func (l *Limiter) Reset() {
	for ch := range l.env {
		l.env[ch] = 0
	}
}

// ProcessSample limits one sample on the given channel.
func (l *Limiter) ProcessSample(ch int, x float64) float64 {
	mag := math.Abs(x)

	// Instant attack, exponential release.
	env := l.env[ch] * l.releaseCoeff
	if mag > env {
		env = mag
	}
	l.env[ch] = env

	kneeStart := DBToGain(l.thresholdDB - limiterKneeWidthDB/2)
	if env <= kneeStart || env == 0 {
		return x
	}

	levelDB := GainToDB(env)
	outDB := l.staticCurveDB(levelDB)
	return x * DBToGain(outDB-levelDB)
}

// staticCurveDB maps an input level to the limited output level, both in
// dBFS. Quadratic knee of limiterKneeWidthDB centered on the threshold,
// infinite ratio above it.
func (l *Limiter) staticCurveDB(levelDB float64) float64 {
	lo := l.thresholdDB - limiterKneeWidthDB/2
	hi := l.thresholdDB + limiterKneeWidthDB/2
	switch {
	case levelDB <= lo:
		return levelDB
	case levelDB >= hi:
		return l.thresholdDB
	default:
		over := levelDB - lo
		return levelDB - over*over/(2*limiterKneeWidthDB)
	}
}
