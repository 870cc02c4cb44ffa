package dsp

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidFrequency        = errors.New("band frequency out of range")
	ErrInvalidGain             = errors.New("band gain out of range")
	ErrInvalidQ                = errors.New("band Q out of range")
	ErrInvalidFilterType       = errors.New("invalid filter type")
	ErrInvalidBandCount        = errors.New("invalid band count")
	ErrInvalidLimiterThreshold = errors.New("limiter threshold out of range")
	ErrPresetNameTooLong       = errors.New("preset name too long")
	ErrInvalidSampleRate       = errors.New("invalid sample rate")
)

// Parameter ranges accepted by preset validation. Values outside these
// ranges reject the whole preset; the realtime update paths clamp instead.
const (
	MinFrequencyHz = 20.0
	MaxFrequencyHz = 20000.0
	MinGainDB      = -12.0
	MaxGainDB      = 12.0
	MinQ           = 0.1
	MaxQ           = 10.0

	MinBands = 1
	MaxBands = 10

	MinLimiterThresholdDB = -6.0
	MaxLimiterThresholdDB = 0.0

	MaxPresetNameLength = 64
)

// FilterType selects the coefficient formula for a band. The numeric values
// are part of the control-plane preset file format and must not be
// reordered.
type FilterType int32

const (
	FilterPeak FilterType = iota
	FilterLowShelf
	FilterHighShelf
	FilterLowPass
	FilterHighPass
	FilterNotch
	FilterBandPass

	numFilterTypes
)

func (t FilterType) String() string {
	switch t {
	case FilterPeak:
		return "peak"
	case FilterLowShelf:
		return "low-shelf"
	case FilterHighShelf:
		return "high-shelf"
	case FilterLowPass:
		return "low-pass"
	case FilterHighPass:
		return "high-pass"
	case FilterNotch:
		return "notch"
	case FilterBandPass:
		return "band-pass"
	default:
		return "unknown"
	}
}

// Valid reports whether t names one of the supported filter shapes.
func (t FilterType) Valid() bool {
	return t >= FilterPeak && t < numFilterTypes
}

// Band is a single equalizer band. JSON tags match the control-plane preset
// file format.
type Band struct {
	FrequencyHz float64    `json:"frequency_hz"`
	GainDB      float64    `json:"gain_db"`
	Q           float64    `json:"q_factor"`
	Type        FilterType `json:"filter_type"`
	Enabled     bool       `json:"enabled"`
}

// Validate checks the band against the accepted parameter ranges.
func (b *Band) Validate() error {
	if b.FrequencyHz < MinFrequencyHz || b.FrequencyHz > MaxFrequencyHz {
		return fmt.Errorf("%w: %.1f Hz (valid %.0f-%.0f)", ErrInvalidFrequency, b.FrequencyHz, MinFrequencyHz, MaxFrequencyHz)
	}
	if b.GainDB < MinGainDB || b.GainDB > MaxGainDB {
		return fmt.Errorf("%w: %.1f dB (valid %.0f-%.0f)", ErrInvalidGain, b.GainDB, MinGainDB, MaxGainDB)
	}
	if b.Q < MinQ || b.Q > MaxQ {
		return fmt.Errorf("%w: %.2f (valid %.1f-%.0f)", ErrInvalidQ, b.Q, MinQ, MaxQ)
	}
	if !b.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidFilterType, b.Type)
	}
	return nil
}

// Preset is a complete equalizer configuration. A preset is only ever
// observable by the engine in a fully valid state: ApplyPreset validates
// all-or-nothing and a rejection leaves the active preset untouched.
type Preset struct {
	Name               string  `json:"name"`
	Bands              []Band  `json:"bands"`
	PreampDB           float64 `json:"preamp_db"`
	LimiterEnabled     bool    `json:"limiter_enabled"`
	LimiterThresholdDB float64 `json:"limiter_threshold_db"`
}

// Validate checks every band and the preset-level parameters. The first
// violation is returned; no violation means the preset may be staged.
func (p *Preset) Validate() error {
	if len(p.Name) > MaxPresetNameLength {
		return fmt.Errorf("%w: %d chars (max %d)", ErrPresetNameTooLong, len(p.Name), MaxPresetNameLength)
	}
	if len(p.Bands) < MinBands || len(p.Bands) > MaxBands {
		return fmt.Errorf("%w: %d (valid %d-%d)", ErrInvalidBandCount, len(p.Bands), MinBands, MaxBands)
	}
	if p.PreampDB < MinGainDB || p.PreampDB > MaxGainDB {
		return fmt.Errorf("%w: preamp %.1f dB (valid %.0f-%.0f)", ErrInvalidGain, p.PreampDB, MinGainDB, MaxGainDB)
	}
	if p.LimiterThresholdDB < MinLimiterThresholdDB || p.LimiterThresholdDB > MaxLimiterThresholdDB {
		return fmt.Errorf("%w: %.1f dB (valid %.0f-%.0f)", ErrInvalidLimiterThreshold, p.LimiterThresholdDB, MinLimiterThresholdDB, MaxLimiterThresholdDB)
	}
	for i := range p.Bands {
		if err := p.Bands[i].Validate(); err != nil {
			return fmt.Errorf("band %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy. The engine hands out clones so callers cannot
// mutate the staged preset behind its back.
func (p *Preset) Clone() *Preset {
	if p == nil {
		return nil
	}
	c := *p
	c.Bands = make([]Band, len(p.Bands))
	copy(c.Bands, p.Bands)
	return &c
}

// FlatPreset returns the identity configuration the engine boots with: one
// disabled peak band, no preamp, limiter off at 0 dB.
func FlatPreset() *Preset {
	return &Preset{
		Name: "Flat",
		Bands: []Band{
			{FrequencyHz: 1000, GainDB: 0, Q: 1.0, Type: FilterPeak, Enabled: false},
		},
		PreampDB:           0,
		LimiterEnabled:     false,
		LimiterThresholdDB: 0,
	}
}
