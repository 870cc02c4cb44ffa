package orchestrator

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundweave/eqhost/internal/dsp"
)

func newTestOrchestrator(t *testing.T, sys AudioSystem) (*Orchestrator, *dsp.Engine) {
	t.Helper()
	engine, err := dsp.New(48000)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	o := New(sys, engine, filepath.Join(t.TempDir(), "ring"))
	return o, engine
}

func TestStartBringsUpFirstHealthyDevice(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"), dev("b", "Headphones"))
	o, _ := newTestOrchestrator(t, sys)

	require.NoError(t, o.Start())
	defer o.Stop()

	active, ok := o.ActiveDevice()
	require.True(t, ok)
	assert.Equal(t, "a", active.UID)
	assert.Equal(t, []string{"a"}, sys.attemptOrder())
	assert.NoError(t, o.LastFailure())
}

func TestFallbackSkipsFailingDevices(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"), dev("b", "Headphones"), dev("c", "USB DAC"))
	sys.openErr["a"] = errors.New("device busy")
	sys.startErr["b"] = errors.New("start rejected")

	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	defer o.Stop()

	active, ok := o.ActiveDevice()
	require.True(t, ok)
	assert.Equal(t, "c", active.UID)
	assert.Equal(t, []string{"a", "b", "c"}, sys.attemptOrder())
}

func TestAllDevicesFailingReturnsAggregateError(t *testing.T) {
	sys := newFakeSystem(dev("a", "A"), dev("b", "B"), dev("c", "C"))
	sys.openErr["a"] = errors.New("busy")
	sys.openErr["b"] = errors.New("gone")
	sys.openErr["c"] = errors.New("broken")

	o, _ := newTestOrchestrator(t, sys)
	err := o.Start()
	defer o.Stop()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllDevicesFailed)

	var bringUp *BringUpError
	require.ErrorAs(t, err, &bringUp)
	require.Len(t, bringUp.Attempts, 3)
	for i, uid := range []string{"a", "b", "c"} {
		assert.Equal(t, uid, bringUp.Attempts[i].DeviceUID)
	}
	assert.Contains(t, err.Error(), "busy")
	assert.Contains(t, err.Error(), "gone")
	assert.Contains(t, err.Error(), "broken")

	_, ok := o.ActiveDevice()
	assert.False(t, ok, "failed bring-up must leave no active route")
	assert.True(t, o.IsRunning(), "orchestrator keeps running to catch device changes")
}

func TestNoDevices(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeSystem())
	err := o.Start()
	defer o.Stop()
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestFailedVerdictDeprioritizedNotExcluded(t *testing.T) {
	jack := dev("hdmi", "HDMI Display")
	jack.HasJackSensing = true
	jack.JackConnected = false
	sys := newFakeSystem(jack, dev("spk", "Speakers"))
	sys.openErr["spk"] = errors.New("busy")

	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	defer o.Stop()

	active, ok := o.ActiveDevice()
	require.True(t, ok)
	assert.Equal(t, "hdmi", active.UID, "failed-verdict device is a last resort, not excluded")
	assert.Equal(t, []string{"spk", "hdmi"}, sys.attemptOrder())
}

func TestStopIsSynchronousAndIdempotent(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"))
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())

	st := sys.lastStream()
	require.NotNil(t, st)

	o.Stop()
	assert.True(t, st.isStopped(), "stream must be stopped when Stop returns")
	assert.False(t, o.IsRunning())

	o.Stop() // second stop is a no-op
	assert.False(t, o.IsRunning())
}

func TestSwitchToPreservesEngineState(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"), dev("b", "Headphones"))
	o, engine := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	defer o.Stop()

	preset := dsp.FlatPreset()
	preset.Name = "session"
	preset.Bands[0].Enabled = true
	preset.Bands[0].GainDB = 5.0
	require.NoError(t, engine.ApplyPreset(preset))

	require.NoError(t, o.SwitchTo("b"))

	active, ok := o.ActiveDevice()
	require.True(t, ok)
	assert.Equal(t, "b", active.UID)
	assert.Equal(t, 5.0, engine.Preset().Bands[0].GainDB, "preset survives the switch")
}

func TestDeviceListChangeTriggersRebind(t *testing.T) {
	a := dev("a", "Speakers")
	sys := newFakeSystem(a)
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	defer o.Stop()

	// The active device disappears and a new one shows up.
	sys.setDevices(dev("b", "USB DAC"))

	assert.Eventually(t, func() bool {
		active, ok := o.ActiveDevice()
		return ok && active.UID == "b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeviceChangedHookFires(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"))
	o, _ := newTestOrchestrator(t, sys)

	got := make(chan PhysicalDevice, 4)
	o.SetDeviceChangedHook(func(d PhysicalDevice) { got <- d })

	require.NoError(t, o.Start())
	defer o.Stop()

	select {
	case d := <-got:
		assert.Equal(t, "a", d.UID)
	default:
		t.Fatal("device-changed hook did not fire on bring-up")
	}
}

func TestSnapshotReportsActiveRoute(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"))
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	defer o.Stop()

	st := o.Snapshot()
	assert.Equal(t, o.SessionID(), st.SessionID)
	require.NotNil(t, st.Device)
	assert.Equal(t, "a", st.Device.UID)
	assert.Equal(t, 48000, st.SampleRate)
	assert.Empty(t, st.LastFailure)
}

func TestConcurrentSwitchesLeakNoRoutes(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"), dev("b", "Headphones"))
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		uid := "a"
		if i%2 == 1 {
			uid = "b"
		}
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_ = o.SwitchTo(uid)
		}(uid)
	}
	wg.Wait()
	o.Stop()

	for i, st := range sys.allStreams() {
		assert.True(t, st.isStopped(), "stream %d still running after Stop", i)
	}
	_, ok := o.ActiveDevice()
	assert.False(t, ok)
}

func TestStopDuringRebindTearsDownLateRoute(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"))
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = o.SwitchTo("a")
	}()
	go func() {
		defer wg.Done()
		o.Stop()
	}()
	wg.Wait()

	for i, st := range sys.allStreams() {
		assert.True(t, st.isStopped(), "stream %d still running after Stop", i)
	}
}

func TestDeviceNotifyRacingStopIsSafe(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"))
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	o.Stop()

	// A notification that passed the running check before Stop flipped it
	// still ends with a send attempt on kick; the channel must outlive the
	// watcher.
	assert.NotPanics(t, func() {
		select {
		case o.kick <- struct{}{}:
		default:
		}
	})
	assert.NotPanics(t, o.notifyDeviceListChanged)
}

func TestNotificationStormDuringStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		sys := newFakeSystem(dev("a", "Speakers"), dev("b", "USB DAC"))
		o, _ := newTestOrchestrator(t, sys)
		require.NoError(t, o.Start())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				o.notifyDeviceListChanged()
			}
		}()
		o.Stop()
		wg.Wait()

		for k, st := range sys.allStreams() {
			require.True(t, st.isStopped(), "iteration %d stream %d still running", i, k)
		}
	}
}

func TestSwitchToUnknownDeviceFallsBack(t *testing.T) {
	sys := newFakeSystem(dev("a", "Speakers"))
	o, _ := newTestOrchestrator(t, sys)
	require.NoError(t, o.Start())
	defer o.Stop()

	require.NoError(t, o.SwitchTo("ghost"))
	active, ok := o.ActiveDevice()
	require.True(t, ok)
	assert.Equal(t, "a", active.UID, "unknown preferred UID falls back to discovery order")
}
