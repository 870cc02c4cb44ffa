package orchestrator

import (
	"sync"
)

// dev builds a healthy stereo output device for tests.
func dev(uid, name string) PhysicalDevice {
	return PhysicalDevice{
		ID:             uid,
		UID:            uid,
		Name:           name,
		Manufacturer:   "test",
		TransportKind:  "builtin",
		OutputChannels: 2,
		MinSampleRate:  44100,
		MaxSampleRate:  96000,
	}
}

// fakeSystem is a scripted AudioSystem. Devices and per-device failures are
// mutable between calls so tests can script device-list changes.
type fakeSystem struct {
	mu       sync.Mutex
	devices  []PhysicalDevice
	openErr  map[string]error // OpenStream failures keyed by device ID
	startErr map[string]error // Stream.Start failures keyed by device ID
	rate     int

	listeners map[int]func()
	nextID    int
	opened    []string // bring-up attempt order
	streams   []*fakeStream
}

func newFakeSystem(devices ...PhysicalDevice) *fakeSystem {
	return &fakeSystem{
		devices:   devices,
		openErr:   make(map[string]error),
		startErr:  make(map[string]error),
		rate:      48000,
		listeners: make(map[int]func()),
	}
}

func (f *fakeSystem) setDevices(devices ...PhysicalDevice) {
	f.mu.Lock()
	f.devices = devices
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeSystem) Devices() ([]PhysicalDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PhysicalDevice, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeSystem) Subscribe(fn func()) (cancel func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSystem) OpenStream(deviceID string, preferredRate int, render RenderFunc) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, deviceID)
	if err := f.openErr[deviceID]; err != nil {
		return nil, err
	}
	st := &fakeStream{render: render, rate: f.rate, startErr: f.startErr[deviceID]}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeSystem) Volume(deviceID string) (VolumeControl, error) {
	return newFakeVolume(1.0), nil
}

func (f *fakeSystem) attemptOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.opened))
	copy(out, f.opened)
	return out
}

func (f *fakeSystem) allStreams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeStream, len(f.streams))
	copy(out, f.streams)
	return out
}

func (f *fakeSystem) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeStream struct {
	render   RenderFunc
	rate     int
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
}

func (s *fakeStream) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) SampleRate() int { return s.rate }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeVolume simulates a hardware control with a reachable ceiling below
// 1.0 when maxReachable is set.
type fakeVolume struct {
	mu           sync.Mutex
	master       float64
	muted        bool
	maxReachable float64
	listeners    map[int]func()
	nextID       int
	setCalls     int
}

func newFakeVolume(maxReachable float64) *fakeVolume {
	return &fakeVolume{maxReachable: maxReachable, listeners: make(map[int]func())}
}

func (v *fakeVolume) SetMasterVolume(val float64) error {
	v.mu.Lock()
	if val > v.maxReachable {
		val = v.maxReachable
	}
	v.master = val
	v.setCalls++
	fns := v.changeListeners()
	v.mu.Unlock()
	// Real systems echo our own writes back through the listener.
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (v *fakeVolume) MasterVolume() (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.master, nil
}

func (v *fakeVolume) SetChannelVolume(ch int, val float64) error { return ErrNotSupported }
func (v *fakeVolume) ChannelVolume(ch int) (float64, error)      { return 0, ErrNotSupported }
func (v *fakeVolume) Channels() int                              { return 2 }

func (v *fakeVolume) SetMuted(muted bool) error {
	v.mu.Lock()
	v.muted = muted
	v.mu.Unlock()
	return nil
}

func (v *fakeVolume) Muted() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted, nil
}

func (v *fakeVolume) OnChange(fn func()) (cancel func()) {
	v.mu.Lock()
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

// externalChange simulates the user dragging the hardware volume.
func (v *fakeVolume) externalChange(val float64) {
	v.mu.Lock()
	v.master = val
	fns := v.changeListeners()
	v.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// changeListeners snapshots listeners; caller holds v.mu.
func (v *fakeVolume) changeListeners() []func() {
	fns := make([]func(), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (v *fakeVolume) masterSetCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setCalls
}
