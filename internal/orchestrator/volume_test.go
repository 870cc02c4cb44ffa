package orchestrator

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumePinnerPinsOnCreation(t *testing.T) {
	ctl := newFakeVolume(1.0)
	ctl.master = 0.3
	ctl.muted = true

	p := newVolumePinner(ctl, zerolog.Nop())
	defer p.Close()

	v, err := ctl.MasterVolume()
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	muted, err := ctl.Muted()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, p.Degraded())
}

func TestVolumePinnerRepinsOnExternalChange(t *testing.T) {
	ctl := newFakeVolume(1.0)
	p := newVolumePinner(ctl, zerolog.Nop())
	defer p.Close()

	ctl.externalChange(0.5)

	v, err := ctl.MasterVolume()
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "external change must be pinned back")
}

func TestVolumePinnerIgnoresChangesAboveThreshold(t *testing.T) {
	ctl := newFakeVolume(1.0)
	p := newVolumePinner(ctl, zerolog.Nop())
	defer p.Close()
	before := ctl.masterSetCalls()

	ctl.externalChange(0.97)

	assert.Equal(t, before, ctl.masterSetCalls(), "changes above the threshold must not re-pin")
	v, _ := ctl.MasterVolume()
	assert.Equal(t, 0.97, v)
}

func TestVolumePinnerOwnWritesDoNotRecurse(t *testing.T) {
	ctl := newFakeVolume(1.0)
	p := newVolumePinner(ctl, zerolog.Nop())
	defer p.Close()

	// The fake echoes every SetMasterVolume back through the listener;
	// exactly one write per pin proves the single-flight guard holds.
	before := ctl.masterSetCalls()
	ctl.externalChange(0.2)
	assert.Equal(t, before+1, ctl.masterSetCalls())
}

func TestVolumePinnerDegradedWhenCeilingUnreachable(t *testing.T) {
	ctl := newFakeVolume(0.8)
	p := newVolumePinner(ctl, zerolog.Nop())
	defer p.Close()

	assert.True(t, p.Degraded(), "pin below threshold is degraded, not fatal")
	v, _ := ctl.MasterVolume()
	assert.Equal(t, 0.8, v)
}

func TestVolumePinnerCloseStopsListening(t *testing.T) {
	ctl := newFakeVolume(1.0)
	p := newVolumePinner(ctl, zerolog.Nop())
	p.Close()

	ctl.externalChange(0.1)
	v, _ := ctl.MasterVolume()
	assert.Equal(t, 0.1, v, "closed pinner must not react")
}
