package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soundweave/eqhost/internal/config"
	"github.com/soundweave/eqhost/internal/dsp"
	"github.com/soundweave/eqhost/internal/logging"
	"github.com/soundweave/eqhost/internal/transport"
)

// defaultFramesPerCallback sizes the drift window before the device reports
// its real cadence. Most hosts deliver 128-1024 frame blocks.
const defaultFramesPerCallback = 512

// route is one live binding: device, shared ring, renderer, stream and
// volume pinner, torn down together.
type route struct {
	device   PhysicalDevice
	region   *transport.Region
	renderer *renderer
	stream   Stream
	pinner   *volumePinner
	heart    *transport.Heart

	// renderTarget lets OpenStream register the callback before the
	// renderer exists; the callback emits silence until it is set.
	renderTarget atomic.Pointer[renderer]
}

func (rt *route) render(out [][]float32, frames int) {
	if rn := rt.renderTarget.Load(); rn != nil {
		rn.Render(out, frames)
		return
	}
	for ch := range out {
		zeroSamples(out[ch][:frames])
	}
}

// Orchestrator owns the physical route: it discovers output devices, brings
// one up with fallback, binds the shared ring and DSP engine to its render
// thread, pins its hardware volume and fails over when the device list
// changes underneath it.
type Orchestrator struct {
	running int32 // atomic: bring-up/teardown single-flight

	sessionID  string
	sys        AudioSystem
	engine     *dsp.Engine
	regionPath string
	logger     zerolog.Logger

	mu           sync.Mutex
	active       *route
	preferredUID string
	lastFailure  error

	// rebindMu serializes rebinds across Start, SwitchTo and watchLoop.
	// Overlapping rebinds would each bring up a route and orphan all but
	// the last one.
	rebindMu sync.Mutex

	kick        chan struct{}
	stopCh      chan struct{}
	done        chan struct{}
	cancelSub   func()
	onDeviceSet func(PhysicalDevice) // optional change hook for event fanout
}

// New builds an orchestrator bound to one audio system, engine and shared
// region path. Nothing starts until Start.
func New(sys AudioSystem, engine *dsp.Engine, regionPath string) *Orchestrator {
	return &Orchestrator{
		sessionID:  uuid.New().String(),
		sys:        sys,
		engine:     engine,
		regionPath: regionPath,
		logger:     logging.GetDefaultLogger().With().Str("component", "orchestrator").Logger(),
	}
}

// SessionID identifies this orchestrator instance across restarts.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// SetPreferredDevice records the UID tried first by every bring-up.
func (o *Orchestrator) SetPreferredDevice(uid string) {
	o.mu.Lock()
	o.preferredUID = uid
	o.mu.Unlock()
}

// SetDeviceChangedHook registers a callback fired after every successful
// device bring-up. Must be set before Start.
func (o *Orchestrator) SetDeviceChangedHook(fn func(PhysicalDevice)) {
	o.onDeviceSet = fn
}

// Start brings up the best available device and begins watching for device
// list changes. Returns the aggregate error when no device could be brought
// up; the orchestrator keeps running in that case and retries on the next
// device-list change.
func (o *Orchestrator) Start() error {
	if !atomic.CompareAndSwapInt32(&o.running, 0, 1) {
		return fmt.Errorf("orchestrator is already running")
	}
	o.logger.Info().Str("session_id", o.sessionID).Msg("starting")

	o.kick = make(chan struct{}, 1)
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	o.cancelSub = o.sys.Subscribe(o.notifyDeviceListChanged)
	go o.watchLoop()

	err := o.rebind()
	if err != nil {
		o.logger.Warn().Err(err).Msg("no device active after start, waiting for device changes")
	}
	return err
}

// Stop tears down the active route and stops the watcher. Synchronous and
// idempotent: when it returns the render callback no longer runs.
func (o *Orchestrator) Stop() {
	if !atomic.CompareAndSwapInt32(&o.running, 1, 0) {
		return
	}
	o.logger.Info().Msg("stopping")

	o.cancelSub()
	close(o.stopCh)
	<-o.done

	// Wait out any rebind still in flight; it sees the cleared running
	// flag and tears down whatever it brought up.
	o.rebindMu.Lock()
	o.rebindMu.Unlock()

	o.mu.Lock()
	active := o.active
	o.active = nil
	o.mu.Unlock()
	if active != nil {
		o.teardown(active)
	}
	o.logger.Info().Msg("stopped")
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (o *Orchestrator) IsRunning() bool {
	return atomic.LoadInt32(&o.running) == 1
}

// ActiveDevice returns the device currently bound, when one is.
func (o *Orchestrator) ActiveDevice() (PhysicalDevice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return PhysicalDevice{}, false
	}
	return o.active.device, true
}

// LastFailure returns the most recent bring-up error, nil when the last
// bring-up succeeded.
func (o *Orchestrator) LastFailure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFailure
}

// SwitchTo makes uid the preferred device and rebinds. The DSP engine and
// its active preset carry over; only the filter state resets if the new
// device negotiates a different sample rate.
func (o *Orchestrator) SwitchTo(uid string) error {
	if atomic.LoadInt32(&o.running) != 1 {
		return fmt.Errorf("orchestrator is not running")
	}
	o.mu.Lock()
	o.preferredUID = uid
	o.mu.Unlock()
	return o.rebind()
}

// Snapshot returns the observable state for the stats surface.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{SessionID: o.sessionID}
	if o.lastFailure != nil {
		st.LastFailure = o.lastFailure.Error()
	}
	if o.active != nil {
		st.Device = &o.active.device
		st.SampleRate = o.active.renderer.sampleRate
		st.Ring = o.active.region.Snapshot()
		st.DriftAverageFill = o.active.renderer.drift.AverageFill()
		st.DriftDrops, st.DriftInserts = o.active.renderer.drift.Counters()
		st.VolumeDegraded = o.active.pinner != nil && o.active.pinner.Degraded()
	}
	return st
}

// Status is the orchestrator's externally visible state.
type Status struct {
	SessionID        string          `json:"session_id"`
	Device           *PhysicalDevice `json:"device,omitempty"`
	SampleRate       int             `json:"sample_rate,omitempty"`
	Ring             transport.Stats `json:"ring"`
	DriftAverageFill float64         `json:"drift_average_fill"`
	DriftDrops       uint64          `json:"drift_drops"`
	DriftInserts     uint64          `json:"drift_inserts"`
	VolumeDegraded   bool            `json:"volume_degraded"`
	LastFailure      string          `json:"last_failure,omitempty"`
}

// notifyDeviceListChanged is the subscription callback. It never blocks the
// notifier; coalescing into a 1-deep channel is deliberate, one rebind
// absorbs any burst of notifications. kick is never closed, so a callback
// racing Stop lands in a stale buffer instead of a panic.
func (o *Orchestrator) notifyDeviceListChanged() {
	if atomic.LoadInt32(&o.running) != 1 {
		return
	}
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// watchLoop runs the reactive rebinds until stopCh closes.
func (o *Orchestrator) watchLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.kick:
			o.logger.Info().Msg("device list changed, re-evaluating route")
			if err := o.rebind(); err != nil {
				o.logger.Warn().Err(err).Msg("rebind after device change failed")
			}
		}
	}
}

// rebind tears down the current route and brings up the best candidate.
// When every candidate fails the orchestrator is left with no route and
// the aggregate error is returned; audio output is simply absent until the
// next device-list change. Rebinds run one at a time; a route brought up
// after Stop cleared the running flag is torn down, not installed.
func (o *Orchestrator) rebind() error {
	o.rebindMu.Lock()
	defer o.rebindMu.Unlock()

	o.mu.Lock()
	old := o.active
	o.active = nil
	preferred := o.preferredUID
	o.mu.Unlock()

	if old != nil {
		o.teardown(old)
	}

	newRoute, err := o.bringUp(preferred)

	if atomic.LoadInt32(&o.running) != 1 {
		if newRoute != nil {
			o.teardown(newRoute)
		}
		return nil
	}

	o.mu.Lock()
	o.active = newRoute
	o.lastFailure = err
	o.mu.Unlock()

	if err != nil {
		activeDeviceInfo.Reset()
		failoverFailures.Inc()
		return err
	}
	activeDeviceInfo.Reset()
	activeDeviceInfo.WithLabelValues(newRoute.device.UID, newRoute.device.Name).Set(1)
	if o.onDeviceSet != nil {
		o.onDeviceSet(newRoute.device)
	}
	return nil
}

// bringUp walks the fallback order until a device comes up, collecting one
// AttemptError per failure. Each attempt is bounded by the bring-up
// timeout; a hung attempt is abandoned and cleaned up in the background.
func (o *Orchestrator) bringUp(preferredUID string) (*route, error) {
	devices, err := Discover(o.sys)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	var attempts []AttemptError
	for _, dev := range orderCandidates(devices, preferredUID) {
		bringUpAttempts.Inc()
		rt, err := o.tryDeviceBounded(dev)
		if err != nil {
			o.logger.Warn().
				Str("device", dev.Name).
				Str("uid", dev.UID).
				Err(err).
				Msg("device bring-up failed, falling back")
			attempts = append(attempts, AttemptError{DeviceUID: dev.UID, DeviceName: dev.Name, Err: err})
			continue
		}
		o.logger.Info().
			Str("device", dev.Name).
			Str("uid", dev.UID).
			Int("sample_rate", rt.renderer.sampleRate).
			Bool("verdict_passed", dev.Verdict.Passed).
			Msg("device active")
		return rt, nil
	}
	return nil, &BringUpError{Attempts: attempts}
}

// tryDeviceBounded runs one bring-up attempt under the configured timeout.
func (o *Orchestrator) tryDeviceBounded(dev PhysicalDevice) (*route, error) {
	type result struct {
		rt  *route
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rt, err := o.tryDevice(dev)
		ch <- result{rt, err}
	}()

	select {
	case res := <-ch:
		return res.rt, res.err
	case <-time.After(config.Get().DeviceBringUpTimeout):
		// Abandon the attempt; if it eventually succeeds the route is torn
		// down in the background rather than leaked.
		go func() {
			if res := <-ch; res.rt != nil {
				o.teardown(res.rt)
			}
		}()
		return nil, fmt.Errorf("bring-up timed out after %v", config.Get().DeviceBringUpTimeout)
	}
}

// tryDevice binds one device end to end: stream, shared ring, renderer,
// heartbeat, volume pin. Any failure unwinds the parts already built.
func (o *Orchestrator) tryDevice(dev PhysicalDevice) (rt *route, err error) {
	rt = &route{device: dev}
	building := rt
	defer func() {
		if err != nil {
			o.teardown(building)
		}
	}()

	rt.stream, err = o.sys.OpenStream(dev.ID, o.engine.SampleRate(), rt.render)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	rate := rt.stream.SampleRate()
	if rate != o.engine.SampleRate() {
		if err = o.engine.SetSampleRate(rate); err != nil {
			return nil, fmt.Errorf("retune engine to %d Hz: %w", rate, err)
		}
	}

	f := transport.Format{SampleRate: rate, Channels: 2, Encoding: transport.EncodingFloat32}
	capacity := int(config.Get().RingDuration.Seconds() * float64(rate))
	rt.region, err = transport.Create(o.regionPath, f, capacity)
	if err != nil {
		return nil, fmt.Errorf("create shared region: %w", err)
	}
	rt.heart = transport.StartHeart(rt.region, transport.SideHost)

	rn := newRenderer(rt.region, o.engine, rate, defaultFramesPerCallback)
	rt.renderer = rn
	rt.renderTarget.Store(rn)

	if ctl, verr := o.sys.Volume(dev.ID); verr == nil {
		rt.pinner = newVolumePinner(ctl, o.logger.With().Str("device", dev.Name).Logger())
	} else {
		o.logger.Warn().Err(verr).Str("device", dev.Name).Msg("no volume control, skipping pin")
	}

	if err = rt.stream.Start(); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	return rt, nil
}

// teardown unwinds a route in reverse bring-up order: stop the callback
// first, release the device, then the ring. Bounded by the cleanup timeout
// so a wedged driver cannot hang Stop or a failover.
func (o *Orchestrator) teardown(rt *route) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if rt.stream != nil {
			if err := rt.stream.Stop(); err != nil {
				o.logger.Warn().Err(err).Msg("stream stop failed")
			}
		}
		rt.renderTarget.Store(nil)
		if rt.pinner != nil {
			rt.pinner.Close()
		}
		if rt.stream != nil {
			if err := rt.stream.Close(); err != nil {
				o.logger.Warn().Err(err).Msg("stream close failed")
			}
		}
		if rt.heart != nil {
			rt.heart.Stop()
		}
		if rt.renderer != nil {
			rt.renderer.Close()
		}
		if rt.region != nil {
			if err := rt.region.Close(); err != nil {
				o.logger.Warn().Err(err).Msg("region close failed")
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(config.Get().DeviceCleanupTimeout):
		o.logger.Warn().
			Str("device", rt.device.Name).
			Msg("device teardown exceeded the cleanup timeout")
	}
}
