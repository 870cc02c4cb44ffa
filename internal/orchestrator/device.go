package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Device errors
var (
	ErrNoDevices        = errors.New("no physical output devices found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrNotSupported     = errors.New("operation not supported by device")
	ErrAllDevicesFailed = errors.New("all candidate devices failed bring-up")
)

// Verdict is the validation result attached to a device by discovery. A
// failed verdict deprioritizes the device in the fallback order; it never
// excludes it.
type Verdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// PhysicalDevice describes one enumerable output device. Devices are
// refreshed on device-list-changed notifications; the orchestrator consumes
// them, nothing retains them across refreshes.
type PhysicalDevice struct {
	ID             string  `json:"id"`
	UID            string  `json:"uid"`
	Name           string  `json:"name"`
	Manufacturer   string  `json:"manufacturer"`
	TransportKind  string  `json:"transport_kind"`
	OutputChannels int     `json:"output_channels"`
	MinSampleRate  int     `json:"min_sample_rate"`
	MaxSampleRate  int     `json:"max_sample_rate"`
	HasJackSensing bool    `json:"has_jack_sensing"`
	JackConnected  bool    `json:"jack_connected"`
	Verdict        Verdict `json:"verdict"`
}

// RenderFunc is the pull callback the audio system drives on its realtime
// thread. out holds one planar buffer per output channel; the callback must
// fill exactly frames samples in each and must not allocate, lock or block.
type RenderFunc func(out [][]float32, frames int)

// Stream is a bound render path on one device.
type Stream interface {
	// Start begins pulling audio. Idempotent.
	Start() error
	// Stop halts pulling. Synchronous and idempotent: when it returns the
	// render callback is no longer running and will not run again.
	Stop() error
	// SampleRate reports the negotiated rate.
	SampleRate() int
	// Close releases the stream. Stop is implied.
	Close() error
}

// VolumeControl manipulates one device's hardware volume.
type VolumeControl interface {
	// SetMasterVolume sets the master scalar [0,1]. ErrNotSupported when the
	// device only exposes per-channel controls.
	SetMasterVolume(v float64) error
	MasterVolume() (float64, error)
	// SetChannelVolume sets one channel scalar [0,1].
	SetChannelVolume(ch int, v float64) error
	ChannelVolume(ch int) (float64, error)
	Channels() int
	// SetMuted clears or sets the mute control; ErrNotSupported when absent.
	SetMuted(muted bool) error
	Muted() (bool, error)
	// OnChange registers a listener fired on any external volume change.
	// The returned cancel deregisters it.
	OnChange(fn func()) (cancel func())
}

// AudioSystem abstracts the OS audio subsystem: enumeration, change
// notification, format negotiation plus render-callback registration, and
// hardware volume access. Production binds the platform implementation;
// tests inject fakes so fallback logic runs against scripted device lists.
type AudioSystem interface {
	// Devices enumerates all output-capable devices, physical or not.
	// Discovery applies the exclusion and validation policies on top.
	Devices() ([]PhysicalDevice, error)
	// Subscribe registers a device-list-changed listener and returns a
	// cancel func.
	Subscribe(fn func()) (cancel func())
	// OpenStream negotiates a stereo float32 stream on the device at or
	// near preferredRate and registers the render callback. The stream is
	// initialized but not started.
	OpenStream(deviceID string, preferredRate int, render RenderFunc) (Stream, error)
	// Volume returns the device's hardware volume interface.
	Volume(deviceID string) (VolumeControl, error)
}

// excludedNamePatterns identify virtual, aggregate and self-owned devices
// that must never be selected as the physical route. Matching is
// case-insensitive substring.
var excludedNamePatterns = []string{
	"eqhost",
	"virtual",
	"aggregate",
	"multi-output",
	"soundflower",
	"blackhole",
	"loopback",
}

// excludedByName reports whether the device name marks it as non-physical.
func excludedByName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range excludedNamePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// validateDevice computes the pass/fail verdict. Failures deprioritize.
func validateDevice(d *PhysicalDevice) Verdict {
	if d.HasJackSensing && !d.JackConnected {
		return Verdict{Passed: false, Reason: "display-audio jack not connected"}
	}
	if d.MaxSampleRate != 0 && (d.MaxSampleRate < 44100 || d.MinSampleRate > 192000) {
		return Verdict{
			Passed: false,
			Reason: fmt.Sprintf("sample-rate range %d-%d outside 44.1-192kHz", d.MinSampleRate, d.MaxSampleRate),
		}
	}
	return Verdict{Passed: true}
}

// Discover enumerates devices, drops non-physical ones and attaches
// validation verdicts, preserving the audio system's enumeration order.
func Discover(sys AudioSystem) ([]PhysicalDevice, error) {
	all, err := sys.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	devices := make([]PhysicalDevice, 0, len(all))
	for _, d := range all {
		if excludedByName(d.Name) {
			continue
		}
		if d.OutputChannels < 1 {
			continue
		}
		d.Verdict = validateDevice(&d)
		devices = append(devices, d)
	}
	return devices, nil
}

// orderCandidates arranges devices for the fallback loop: the preferred UID
// first when present, then verdict-passed devices in stable original order,
// then the rest, also stable.
func orderCandidates(devices []PhysicalDevice, preferredUID string) []PhysicalDevice {
	ordered := make([]PhysicalDevice, 0, len(devices))

	if preferredUID != "" {
		for _, d := range devices {
			if d.UID == preferredUID {
				ordered = append(ordered, d)
				break
			}
		}
	}
	for _, d := range devices {
		if d.UID != preferredUID && d.Verdict.Passed {
			ordered = append(ordered, d)
		}
	}
	for _, d := range devices {
		if d.UID != preferredUID && !d.Verdict.Passed {
			ordered = append(ordered, d)
		}
	}
	return ordered
}
