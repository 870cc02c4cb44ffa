// Package driverinstall is the seam to the privileged virtual-driver
// installer. Installation needs elevation and OS-specific packaging, both
// owned by an external collaborator; the daemon only needs to ask for an
// install and learn whether the driver is present.
package driverinstall

import "errors"

// ErrNoInstaller is returned by the daemon when no installer was wired in
// and the driver is missing.
var ErrNoInstaller = errors.New("no driver installer available")

// Installer performs the privileged install of the virtual output driver.
type Installer interface {
	// Installed reports whether the driver is already present.
	Installed() (bool, error)
	// InstallDriver performs the privileged installation. Blocking; an
	// error means the driver is not usable.
	InstallDriver() error
}

// EnsureInstalled installs the driver when missing. A nil installer is
// tolerated as long as the driver is already there.
func EnsureInstalled(inst Installer) error {
	if inst == nil {
		return ErrNoInstaller
	}
	ok, err := inst.Installed()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return inst.InstallDriver()
}
