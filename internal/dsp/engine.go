package dsp

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundweave/eqhost/internal/config"
	"github.com/soundweave/eqhost/internal/logging"
)

// atomicFloat64 is a float64 published through a uint64 bit pattern. The
// realtime thread reads these without locks.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
func (f *atomicFloat64) Load() float64   { return math.Float64frombits(f.bits.Load()) }

// paramCell is a single-slot lock-free mailbox for one live parameter. The
// writer stores the value and bumps the sequence; the realtime reader adopts
// the value whenever the sequence moved. Adopting a freshly staged preset
// marks all cells consumed so updates from before the preset do not
// resurface.
type paramCell struct {
	value atomicFloat64
	seq   atomic.Uint32
}

func (c *paramCell) Put(v float64) {
	c.value.Store(v)
	c.seq.Add(1)
}

// Take returns the current value and sequence; the caller tracks the last
// sequence it consumed.
func (c *paramCell) Take() (float64, uint32) {
	// Sequence first: adopting a value alongside a stale sequence only delays
	// pickup by one block, never loses an update.
	s := c.seq.Load()
	return c.value.Load(), s
}

// bandTargets is the staged, immutable per-band parameter set published by
// ApplyPreset.
type bandTargets struct {
	freqHz  float64
	gainDB  float64
	q       float64
	ftype   FilterType
	enabled bool
}

// presetTargets is the complete staged parameter set. One instance is built
// per ApplyPreset call and published through an atomic pointer; the realtime
// side never sees a partially written preset.
type presetTargets struct {
	generation         uint64
	bands              [MaxBands]bandTargets
	numBands           int
	preampDB           float64
	limiterEnabled     bool
	limiterThresholdDB float64

	// Mailbox sequences current when the preset was staged. Updates at or
	// below these are superseded by the preset; later ones still apply.
	freqSeq   [MaxBands]uint32
	gainSeq   [MaxBands]uint32
	qSeq      [MaxBands]uint32
	preampSeq uint32
}

// bandRuntime is the realtime-side state of one band: the filter section,
// one smoother per live parameter, and the parameter values the current
// coefficients were derived from.
type bandRuntime struct {
	filter Biquad
	freqS  Smoother
	gainS  Smoother
	qS     Smoother

	ftype   FilterType
	enabled bool

	coeffFreq float64
	coeffGain float64
	coeffQ    float64

	freqSeq uint32
	gainSeq uint32
	qSeq    uint32
}

// statsBlock holds the lock-free counters surfaced by Stats. All fields are
// atomics; the realtime thread writes, any thread reads.
type statsBlock struct {
	framesProcessed atomic.Uint64
	underruns       atomic.Uint64
	cpuLoadPercent  atomicFloat64
	peakLevel       [stereoChannels]atomicFloat64
}

// Stats is a snapshot of the engine's observability counters.
type Stats struct {
	FramesProcessed uint64  `json:"frames_processed"`
	UnderrunCount   uint64  `json:"underrun_count"`
	CPULoadPercent  float64 `json:"cpu_load_percent"`
	BypassActive    bool    `json:"bypass_active"`
	SampleRate      int     `json:"sample_rate"`
	PeakLeft        float64 `json:"peak_left"`
	PeakRight       float64 `json:"peak_right"`
}

// Engine owns the band cascade, the preamp smoother and the limiter, and
// applies validated presets to a stereo stream.
//
// Threading model: Process* runs on the realtime thread and never allocates,
// locks or blocks. ApplyPreset, UpdateBand*, UpdatePreamp and SetBypass are
// safe to call from any thread concurrently with Process*. Reset and
// SetSampleRate must not run concurrently with Process*; the host stops the
// render path around them.
type Engine struct {
	// Control side: staged preset and live-update mailboxes.
	staged     atomic.Pointer[presetTargets]
	generation atomic.Uint64
	bandFreq   [MaxBands]paramCell
	bandGain   [MaxBands]paramCell
	bandQ      [MaxBands]paramCell
	preamp     paramCell
	bypass     atomic.Bool

	// Realtime side, touched only inside Process*.
	bands      [MaxBands]bandRuntime
	numBands   int
	preampS    Smoother
	limiter    Limiter
	limiterOn  bool
	seenGen    uint64
	preampSeq  uint32
	sampleRate float64
	rateHz     atomic.Int64 // sampleRate mirror readable off-thread

	stats statsBlock

	mu           sync.Mutex // serializes non-realtime operations
	activePreset *Preset    // guarded by mu
	// Mailbox sequences already folded into activePreset; updates staged
	// before the preset was applied must not patch its snapshot.
	ctrlFreqSeq   [MaxBands]uint32
	ctrlGainSeq   [MaxBands]uint32
	ctrlQSeq      [MaxBands]uint32
	ctrlPreampSeq uint32
	closed        atomic.Bool

	logger zerolog.Logger
}

// New creates an engine for the given sample rate with the flat preset
// active. Sample rates outside the supported range are rejected and no
// engine state is created.
func New(sampleRate int) (*Engine, error) {
	cfg := config.Get()
	if sampleRate < cfg.MinSampleRate || sampleRate > cfg.MaxSampleRate {
		return nil, fmt.Errorf("%w: %d Hz (valid %d-%d)", ErrInvalidSampleRate, sampleRate, cfg.MinSampleRate, cfg.MaxSampleRate)
	}

	e := &Engine{
		logger: logging.GetDefaultLogger().With().Str("component", "dsp-engine").Logger(),
	}
	e.initRate(float64(sampleRate))

	flat := FlatPreset()
	if err := e.ApplyPreset(flat); err != nil {
		return nil, err
	}
	// The boot preset snaps instead of ramping; there is no audio running yet.
	e.adoptPreset(e.staged.Load(), true)

	e.logger.Info().Int("sample_rate", sampleRate).Msg("engine created")
	return e, nil
}

func (e *Engine) initRate(rate float64) {
	e.sampleRate = rate
	e.rateHz.Store(int64(rate))
	tcMs := float64(config.Get().SmoothingTimeConstant) / float64(time.Millisecond)
	for i := range e.bands {
		e.bands[i].freqS.Init(rate, tcMs)
		e.bands[i].gainS.Init(rate, tcMs)
		e.bands[i].qS.Init(rate, tcMs)
	}
	e.preampS.Init(rate, tcMs)
	e.limiter.Init(rate)
}

// Close releases the engine. Subsequent Process* calls pass input through
// unmodified; everything else reports failure. Non-realtime.
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		e.logger.Info().Msg("engine closed")
	}
}

// SampleRate returns the engine's current sample rate.
func (e *Engine) SampleRate() int {
	return int(e.rateHz.Load())
}

// Reset zeroes all delay lines, smoother state and stats counters without
// reallocating. Must not run concurrently with Process*.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	for i := range e.bands {
		b := &e.bands[i]
		b.filter.Reset()
		b.freqS.SetValue(b.freqS.Target())
		b.gainS.SetValue(b.gainS.Target())
		b.qS.SetValue(b.qS.Target())
	}
	e.preampS.SetValue(e.preampS.Target())
	e.limiter.Reset()
	e.stats.framesProcessed.Store(0)
	e.stats.underruns.Store(0)
	e.stats.cpuLoadPercent.Store(0)
	for ch := range e.stats.peakLevel {
		e.stats.peakLevel[ch].Store(0)
	}
}

// SetSampleRate reconfigures the engine for a new rate. Implies a reset and
// recomputes all coefficients. Must not run concurrently with Process*.
func (e *Engine) SetSampleRate(rate int) error {
	cfg := config.Get()
	if rate < cfg.MinSampleRate || rate > cfg.MaxSampleRate {
		return fmt.Errorf("%w: %d Hz (valid %d-%d)", ErrInvalidSampleRate, rate, cfg.MinSampleRate, cfg.MaxSampleRate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.initRate(float64(rate))
	e.resetLocked()
	// Force coefficient recomputation at the new rate on the next block.
	for i := range e.bands {
		e.bands[i].coeffFreq = 0
	}
	e.logger.Info().Int("sample_rate", rate).Msg("sample rate changed")
	return nil
}

// ApplyPreset validates the preset and stages it atomically. Validation is
// all-or-nothing: any violation rejects the preset and the active preset is
// left untouched. On success the realtime side picks the new targets up
// lock-free on its next process call and ramps toward them. Safe to call
// concurrently with Process*.
func (e *Engine) ApplyPreset(p *Preset) error {
	if e.closed.Load() {
		return fmt.Errorf("engine is closed")
	}
	if p == nil {
		return fmt.Errorf("%w: nil preset", ErrInvalidBandCount)
	}
	if err := p.Validate(); err != nil {
		presetsRejected.Inc()
		e.logger.Warn().Err(err).Str("preset", p.Name).Msg("preset rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := &presetTargets{
		generation:         e.generation.Add(1),
		numBands:           len(p.Bands),
		preampDB:           p.PreampDB,
		limiterEnabled:     p.LimiterEnabled,
		limiterThresholdDB: p.LimiterThresholdDB,
	}
	for i, b := range p.Bands {
		t.bands[i] = bandTargets{
			freqHz:  b.FrequencyHz,
			gainDB:  b.GainDB,
			q:       b.Q,
			ftype:   b.Type,
			enabled: b.Enabled,
		}
	}
	for i := 0; i < MaxBands; i++ {
		_, t.freqSeq[i] = e.bandFreq[i].Take()
		_, t.gainSeq[i] = e.bandGain[i].Take()
		_, t.qSeq[i] = e.bandQ[i].Take()
	}
	_, t.preampSeq = e.preamp.Take()

	e.staged.Store(t)
	e.activePreset = p.Clone()
	e.ctrlFreqSeq = t.freqSeq
	e.ctrlGainSeq = t.gainSeq
	e.ctrlQSeq = t.qSeq
	e.ctrlPreampSeq = t.preampSeq

	presetsApplied.Inc()
	e.logger.Info().Str("preset", p.Name).Int("bands", len(p.Bands)).Msg("preset applied")
	return nil
}

// Preset returns a snapshot of the currently active preset, with any live
// parameter updates folded in. Non-realtime.
func (e *Engine) Preset() *Preset {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.activePreset.Clone()
	if p == nil {
		return nil
	}
	for i := range p.Bands {
		if v, s := e.bandFreq[i].Take(); s != e.ctrlFreqSeq[i] {
			p.Bands[i].FrequencyHz = v
		}
		if v, s := e.bandGain[i].Take(); s != e.ctrlGainSeq[i] {
			p.Bands[i].GainDB = v
		}
		if v, s := e.bandQ[i].Take(); s != e.ctrlQSeq[i] {
			p.Bands[i].Q = v
		}
	}
	if v, s := e.preamp.Take(); s != e.ctrlPreampSeq {
		p.PreampDB = v
	}
	return p
}

// UpdateBandGain adjusts one band's gain with smoothing. Lock-free and
// realtime-safe; callable from any thread concurrently with Process*.
func (e *Engine) UpdateBandGain(band int, gainDB float64) {
	if band < 0 || band >= MaxBands {
		return
	}
	e.bandGain[band].Put(clamp(gainDB, MinGainDB, MaxGainDB))
}

// UpdateBandFrequency adjusts one band's center frequency with smoothing.
// Lock-free and realtime-safe.
func (e *Engine) UpdateBandFrequency(band int, freqHz float64) {
	if band < 0 || band >= MaxBands {
		return
	}
	e.bandFreq[band].Put(clamp(freqHz, MinFrequencyHz, MaxFrequencyHz))
}

// UpdateBandQ adjusts one band's Q with smoothing. Lock-free and
// realtime-safe.
func (e *Engine) UpdateBandQ(band int, q float64) {
	if band < 0 || band >= MaxBands {
		return
	}
	e.bandQ[band].Put(clamp(q, MinQ, MaxQ))
}

// UpdatePreamp adjusts the preamp gain with smoothing. Lock-free and
// realtime-safe.
func (e *Engine) UpdatePreamp(gainDB float64) {
	e.preamp.Put(clamp(gainDB, MinGainDB, MaxGainDB))
}

// SetBypass toggles the bypass escape hatch. Atomic and instantaneous: no
// ramp, because bypass must not depend on smoothing completing.
func (e *Engine) SetBypass(on bool) {
	e.bypass.Store(on)
}

// Bypassed reports the bypass flag.
func (e *Engine) Bypassed() bool {
	return e.bypass.Load()
}

// AddUnderruns feeds shortfall counts observed by the host's render path
// into the engine stats. Lock-free.
func (e *Engine) AddUnderruns(n uint64) {
	if n > 0 {
		e.stats.underruns.Add(n)
	}
}

// Stats returns a lock-free snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesProcessed: e.stats.framesProcessed.Load(),
		UnderrunCount:   e.stats.underruns.Load(),
		CPULoadPercent:  e.stats.cpuLoadPercent.Load(),
		BypassActive:    e.bypass.Load(),
		SampleRate:      int(e.rateHz.Load()),
		PeakLeft:        e.stats.peakLevel[0].Load(),
		PeakRight:       e.stats.peakLevel[1].Load(),
	}
}

// ProcessInterleaved runs frames of interleaved stereo through the chain.
// in and out must each hold at least frames*2 samples; they may alias.
// Realtime-safe: no allocation, no locks, no blocking.
func (e *Engine) ProcessInterleaved(in, out []float32, frames int) {
	if frames <= 0 || len(in) < frames*stereoChannels || len(out) < frames*stereoChannels {
		return
	}
	if &out[0] != &in[0] {
		copy(out[:frames*stereoChannels], in[:frames*stereoChannels])
	}
	if e.shortCircuit(frames) {
		return
	}
	e.processBuffers(out, 0, out, 1, stereoChannels, frames)
}

// ProcessPlanar runs frames of planar stereo through the chain. Each slice
// must hold at least frames samples; input and output planes may alias.
// Realtime-safe.
func (e *Engine) ProcessPlanar(inL, inR, outL, outR []float32, frames int) {
	if frames <= 0 || len(inL) < frames || len(inR) < frames || len(outL) < frames || len(outR) < frames {
		return
	}
	if &outL[0] != &inL[0] {
		copy(outL[:frames], inL[:frames])
	}
	if &outR[0] != &inR[0] {
		copy(outR[:frames], inR[:frames])
	}
	if e.shortCircuit(frames) {
		return
	}
	e.processBuffers(outL, 0, outR, 0, 1, frames)
}

// shortCircuit handles the closed and bypass cases after input has been
// copied to output. Bypass is bit-exact passthrough.
func (e *Engine) shortCircuit(frames int) bool {
	if e.closed.Load() {
		return true
	}
	if e.bypass.Load() {
		e.stats.framesProcessed.Add(uint64(frames))
		return true
	}
	return false
}

// processBuffers is the single internal implementation behind both layout
// entry points. buf0/start0 walks the left channel, buf1/start1 the right,
// both with the given stride. Runs on the realtime thread.
func (e *Engine) processBuffers(buf0 []float32, start0 int, buf1 []float32, start1 int, stride, frames int) {
	started := time.Now()

	if t := e.staged.Load(); t != nil && t.generation != e.seenGen {
		e.adoptPreset(t, false)
	}

	sub := config.Get().CoefficientUpdateInterval
	if sub <= 0 {
		sub = 32
	}

	var peak0, peak1 float64
	for off := 0; off < frames; off += sub {
		n := frames - off
		if n > sub {
			n = sub
		}

		e.refreshParameters(n)

		// Preamp, one smoothed gain per frame applied to both channels.
		idx0 := start0 + off*stride
		idx1 := start1 + off*stride
		for i := 0; i < n; i++ {
			g := float32(DBToGain(e.preampS.Next()))
			buf0[idx0] *= g
			buf1[idx1] *= g
			idx0 += stride
			idx1 += stride
		}

		// Band cascade in array order, block per channel.
		for b := 0; b < e.numBands; b++ {
			rt := &e.bands[b]
			if !rt.enabled {
				continue
			}
			rt.filter.ProcessStrided(buf0, start0+off*stride, stride, n, 0)
			rt.filter.ProcessStrided(buf1, start1+off*stride, stride, n, 1)
		}

		// Limiter and peak tracking.
		idx0 = start0 + off*stride
		idx1 = start1 + off*stride
		for i := 0; i < n; i++ {
			x0 := float64(buf0[idx0])
			x1 := float64(buf1[idx1])
			if e.limiterOn {
				x0 = e.limiter.ProcessSample(0, x0)
				x1 = e.limiter.ProcessSample(1, x1)
				buf0[idx0] = float32(x0)
				buf1[idx1] = float32(x1)
			}
			if a := math.Abs(x0); a > peak0 {
				peak0 = a
			}
			if a := math.Abs(x1); a > peak1 {
				peak1 = a
			}
			idx0 += stride
			idx1 += stride
		}
	}

	e.stats.peakLevel[0].Store(peak0)
	e.stats.peakLevel[1].Store(peak1)
	e.stats.framesProcessed.Add(uint64(frames))

	bufDur := float64(frames) / e.sampleRate
	if bufDur > 0 {
		load := time.Since(started).Seconds() / bufDur * 100
		// EWMA so a single spike does not dominate the reading.
		prev := e.stats.cpuLoadPercent.Load()
		e.stats.cpuLoadPercent.Store(prev*0.9 + load*0.1)
	}
}

// adoptPreset copies a staged preset into the realtime state. With snap set
// the values take effect immediately (boot only); otherwise each parameter
// ramps from its current smoothed value. Marks all live-update mailboxes
// consumed so updates staged before the preset do not resurface.
func (e *Engine) adoptPreset(t *presetTargets, snap bool) {
	e.numBands = t.numBands
	for i := 0; i < MaxBands; i++ {
		rt := &e.bands[i]
		var bt bandTargets
		if i < t.numBands {
			bt = t.bands[i]
		} else {
			bt = bandTargets{freqHz: 1000, q: 1, ftype: FilterPeak}
		}

		rt.ftype = bt.ftype
		rt.enabled = bt.enabled
		if snap {
			rt.freqS.SetValue(bt.freqHz)
			rt.gainS.SetValue(bt.gainDB)
			rt.qS.SetValue(bt.q)
		} else {
			rt.freqS.SetTarget(bt.freqHz)
			rt.gainS.SetTarget(bt.gainDB)
			rt.qS.SetTarget(bt.q)
		}

		rt.freqSeq = t.freqSeq[i]
		rt.gainSeq = t.gainSeq[i]
		rt.qSeq = t.qSeq[i]

		// Invalidate derived coefficients.
		rt.coeffFreq = 0
	}

	if snap {
		e.preampS.SetValue(t.preampDB)
	} else {
		e.preampS.SetTarget(t.preampDB)
	}
	e.preampSeq = t.preampSeq

	e.limiterOn = t.limiterEnabled
	e.limiter.SetThreshold(t.limiterThresholdDB)

	e.seenGen = t.generation
}

// refreshParameters drains the live-update mailboxes, advances the block-rate
// smoothers by n samples and recomputes coefficients for bands whose
// effective parameters moved.
func (e *Engine) refreshParameters(n int) {
	if v, s := e.preamp.Take(); s != e.preampSeq {
		e.preampS.SetTarget(v)
		e.preampSeq = s
	}

	const eps = 1e-6
	for i := 0; i < e.numBands; i++ {
		rt := &e.bands[i]

		if v, s := e.bandFreq[i].Take(); s != rt.freqSeq {
			rt.freqS.SetTarget(v)
			rt.freqSeq = s
		}
		if v, s := e.bandGain[i].Take(); s != rt.gainSeq {
			rt.gainS.SetTarget(v)
			rt.gainSeq = s
		}
		if v, s := e.bandQ[i].Take(); s != rt.qSeq {
			rt.qS.SetTarget(v)
			rt.qSeq = s
		}

		if !rt.enabled {
			continue
		}

		f := rt.freqS.Advance(n)
		g := rt.gainS.Advance(n)
		q := rt.qS.Advance(n)

		if math.Abs(f-rt.coeffFreq) > eps || math.Abs(g-rt.coeffGain) > eps || math.Abs(q-rt.coeffQ) > eps {
			rt.filter.SetCoefficients(ComputeCoefficients(rt.ftype, f, g, q, e.sampleRate))
			rt.coeffFreq = f
			rt.coeffGain = g
			rt.coeffQ = q
		}
	}
}
