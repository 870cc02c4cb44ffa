package driverinstall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeInstaller struct {
	installed    bool
	installedErr error
	installErr   error
	installCalls int
}

func (f *fakeInstaller) Installed() (bool, error) { return f.installed, f.installedErr }

func (f *fakeInstaller) InstallDriver() error {
	f.installCalls++
	return f.installErr
}

func TestEnsureInstalled(t *testing.T) {
	t.Run("already installed skips install", func(t *testing.T) {
		f := &fakeInstaller{installed: true}
		assert.NoError(t, EnsureInstalled(f))
		assert.Zero(t, f.installCalls)
	})

	t.Run("missing driver triggers install", func(t *testing.T) {
		f := &fakeInstaller{}
		assert.NoError(t, EnsureInstalled(f))
		assert.Equal(t, 1, f.installCalls)
	})

	t.Run("install failure surfaces", func(t *testing.T) {
		wantErr := errors.New("elevation denied")
		f := &fakeInstaller{installErr: wantErr}
		assert.ErrorIs(t, EnsureInstalled(f), wantErr)
	})

	t.Run("probe failure surfaces", func(t *testing.T) {
		wantErr := errors.New("probe failed")
		f := &fakeInstaller{installedErr: wantErr}
		assert.ErrorIs(t, EnsureInstalled(f), wantErr)
		assert.Zero(t, f.installCalls)
	})

	t.Run("nil installer", func(t *testing.T) {
		assert.ErrorIs(t, EnsureInstalled(nil), ErrNoInstaller)
	})
}
