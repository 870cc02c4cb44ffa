package orchestrator

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/soundweave/eqhost/internal/config"
)

// volumePinner drives a device's hardware volume to maximum and keeps it
// there. The virtual route carries the user-facing volume in software; any
// hardware attenuation underneath it silently costs dynamic range, so the
// hardware control is pinned and re-pinned whenever something moves it.
type volumePinner struct {
	ctl    VolumeControl
	logger zerolog.Logger

	// Single-flight guard: the change listener fires for our own re-pin
	// writes too, and must not recurse into another pin.
	pinning atomic.Bool

	// Degraded means the device never reached the pin threshold. Non-fatal.
	degraded atomic.Bool

	cancelListener func()
}

// newVolumePinner pins immediately and installs the change listener.
func newVolumePinner(ctl VolumeControl, logger zerolog.Logger) *volumePinner {
	p := &volumePinner{ctl: ctl, logger: logger}
	p.pin()
	p.cancelListener = ctl.OnChange(p.onVolumeChanged)
	return p
}

// pin drives the volume to maximum, preferring the master control and
// falling back to per-channel controls, then clears mute if present.
func (p *volumePinner) pin() {
	if !p.pinning.CompareAndSwap(false, true) {
		return
	}
	defer p.pinning.Store(false)

	if err := p.ctl.SetMasterVolume(1.0); err != nil {
		if !errors.Is(err, ErrNotSupported) {
			p.logger.Warn().Err(err).Msg("master volume write failed")
		}
		for ch := 0; ch < p.ctl.Channels(); ch++ {
			if err := p.ctl.SetChannelVolume(ch, 1.0); err != nil && !errors.Is(err, ErrNotSupported) {
				p.logger.Warn().Err(err).Int("channel", ch).Msg("channel volume write failed")
			}
		}
	}

	if err := p.ctl.SetMuted(false); err != nil && !errors.Is(err, ErrNotSupported) {
		p.logger.Warn().Err(err).Msg("unmute failed")
	}

	if v, err := p.ctl.MasterVolume(); err == nil && v < config.Get().VolumePinThreshold {
		if p.degraded.CompareAndSwap(false, true) {
			p.logger.Warn().
				Float64("volume", v).
				Msg("device cannot reach full hardware volume; effective dynamic range reduced")
		}
	}
}

// onVolumeChanged re-pins when the observed volume dropped below the
// threshold. Guarded so our own writes do not re-enter.
func (p *volumePinner) onVolumeChanged() {
	if p.pinning.Load() {
		return
	}
	v, err := p.ctl.MasterVolume()
	if err != nil {
		return
	}
	if v < config.Get().VolumePinThreshold {
		p.logger.Debug().Float64("volume", v).Msg("hardware volume moved, re-pinning")
		p.pin()
	}
}

// Degraded reports whether the device never reached the pin threshold.
func (p *volumePinner) Degraded() bool {
	return p.degraded.Load()
}

// Close removes the change listener.
func (p *volumePinner) Close() {
	if p.cancelListener != nil {
		p.cancelListener()
		p.cancelListener = nil
	}
}
