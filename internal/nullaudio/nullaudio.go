// Package nullaudio is a loopback AudioSystem: one synthetic stereo output
// device whose render callback is driven by a wall-clock ticker and whose
// samples go nowhere. It lets the daemon run end to end on hosts without
// OS audio glue, and doubles as a soak target for the render path.
package nullaudio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soundweave/eqhost/internal/orchestrator"
)

const (
	deviceID          = "null-output"
	sampleRate        = 48000
	framesPerCallback = 480 // 10ms blocks
	channels          = 2
)

// System implements orchestrator.AudioSystem with a single loopback device.
type System struct {
	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
}

func NewSystem() *System {
	return &System{listeners: make(map[int]func())}
}

func (s *System) Devices() ([]orchestrator.PhysicalDevice, error) {
	return []orchestrator.PhysicalDevice{{
		ID:             deviceID,
		UID:            deviceID,
		Name:           "Null Output",
		Manufacturer:   "soundweave",
		TransportKind:  "builtin",
		OutputChannels: channels,
		MinSampleRate:  sampleRate,
		MaxSampleRate:  sampleRate,
	}}, nil
}

func (s *System) Subscribe(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *System) OpenStream(deviceIDArg string, preferredRate int, render orchestrator.RenderFunc) (orchestrator.Stream, error) {
	if deviceIDArg != deviceID {
		return nil, orchestrator.ErrDeviceNotFound
	}
	return &stream{render: render}, nil
}

func (s *System) Volume(deviceIDArg string) (orchestrator.VolumeControl, error) {
	if deviceIDArg != deviceID {
		return nil, orchestrator.ErrDeviceNotFound
	}
	return &volume{master: 1.0}, nil
}

// stream clocks the render callback off a wall ticker and discards output.
type stream struct {
	render orchestrator.RenderFunc

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

func (st *stream) Start() error {
	if !st.running.CompareAndSwap(false, true) {
		return nil
	}
	st.stopCh = make(chan struct{})
	st.done = make(chan struct{})
	go st.pump()
	return nil
}

func (st *stream) pump() {
	defer close(st.done)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, framesPerCallback)
	}
	interval := time.Second * framesPerCallback / sampleRate
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopCh:
			return
		case <-ticker.C:
			st.render(out, framesPerCallback)
		}
	}
}

func (st *stream) Stop() error {
	if !st.running.CompareAndSwap(true, false) {
		return nil
	}
	close(st.stopCh)
	<-st.done
	return nil
}

func (st *stream) SampleRate() int { return sampleRate }

func (st *stream) Close() error { return st.Stop() }

// volume is an in-memory control with a working master scalar and mute.
type volume struct {
	mu        sync.Mutex
	master    float64
	muted     bool
	listeners map[int]func()
	nextID    int
}

func (v *volume) SetMasterVolume(val float64) error {
	if val < 0 || val > 1 {
		return fmt.Errorf("volume %v out of range", val)
	}
	v.mu.Lock()
	v.master = val
	v.mu.Unlock()
	return nil
}

func (v *volume) MasterVolume() (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.master, nil
}

func (v *volume) SetChannelVolume(ch int, val float64) error {
	return orchestrator.ErrNotSupported
}

func (v *volume) ChannelVolume(ch int) (float64, error) {
	return 0, orchestrator.ErrNotSupported
}

func (v *volume) Channels() int { return channels }

func (v *volume) SetMuted(muted bool) error {
	v.mu.Lock()
	v.muted = muted
	v.mu.Unlock()
	return nil
}

func (v *volume) Muted() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted, nil
}

func (v *volume) OnChange(fn func()) (cancel func()) {
	v.mu.Lock()
	if v.listeners == nil {
		v.listeners = make(map[int]func())
	}
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}
