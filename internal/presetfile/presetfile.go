// Package presetfile is the control plane: a JSON preset file written by
// the UI collaborator, polled for modification-time changes and applied to
// the engine. The file is the source of truth; a bad write never disturbs
// the running preset.
package presetfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/soundweave/eqhost/internal/config"
	"github.com/soundweave/eqhost/internal/dsp"
	"github.com/soundweave/eqhost/internal/logging"
)

var (
	presetFileApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eqhost_preset_file_applied_total",
		Help: "Preset file changes successfully applied",
	})
	presetFileRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eqhost_preset_file_rejected_total",
		Help: "Preset file changes rejected by validation or parsing",
	})
)

// Load reads and validates one preset file.
func Load(path string) (*dsp.Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p dsp.Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse preset file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate preset file: %w", err)
	}
	return &p, nil
}

// Applier receives validated presets; in production it is the DSP engine.
type Applier interface {
	ApplyPreset(p *dsp.Preset) error
}

// Poller watches one preset file and applies it on every modification-time
// change. A missing file is not an error, it just means no preset yet.
type Poller struct {
	running int32

	path    string
	applier Applier
	logger  zerolog.Logger

	lastMod  time.Time
	lastSize int64

	// onApplied is an optional hook for event fanout.
	onApplied func(*dsp.Preset)

	stopCh chan struct{}
	done   chan struct{}
}

func NewPoller(path string, applier Applier) *Poller {
	return &Poller{
		path:    path,
		applier: applier,
		logger:  logging.GetDefaultLogger().With().Str("component", "preset-poller").Logger(),
	}
}

// SetAppliedHook registers a callback fired after each successful apply.
// Must be set before Start.
func (p *Poller) SetAppliedHook(fn func(*dsp.Preset)) {
	p.onApplied = fn
}

// Start applies the file once immediately, then polls at the configured
// interval.
func (p *Poller) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("preset poller is already running")
	}
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.PollOnce()
	go p.loop()
	return nil
}

// Stop halts polling. Synchronous and idempotent.
func (p *Poller) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.stopCh)
	<-p.done
}

func (p *Poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(config.Get().PresetPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// PollOnce stats the file and applies it when the modification time or size
// moved since the last successful or failed attempt. Exported so callers
// can force a check without waiting out the interval.
func (p *Poller) PollOnce() {
	info, err := os.Stat(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn().Err(err).Str("path", p.path).Msg("preset file stat failed")
		}
		return
	}
	if info.ModTime().Equal(p.lastMod) && info.Size() == p.lastSize {
		return
	}
	// Record the attempt even when it fails so a bad file is logged once,
	// not every tick.
	p.lastMod = info.ModTime()
	p.lastSize = info.Size()

	preset, err := Load(p.path)
	if err != nil {
		presetFileRejected.Inc()
		p.logger.Warn().Err(err).Str("path", p.path).Msg("preset file rejected, keeping active preset")
		return
	}
	if err := p.applier.ApplyPreset(preset); err != nil {
		presetFileRejected.Inc()
		p.logger.Warn().Err(err).Str("preset", preset.Name).Msg("preset rejected by engine, keeping active preset")
		return
	}
	presetFileApplied.Inc()
	p.logger.Info().Str("preset", preset.Name).Int("bands", len(preset.Bands)).Msg("preset applied from file")
	if p.onApplied != nil {
		p.onApplied(preset)
	}
}
