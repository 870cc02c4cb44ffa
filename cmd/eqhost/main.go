// eqhost is the system-wide equalizer daemon: it reads system audio from
// the virtual driver's shared ring, runs the parametric EQ, and renders the
// result to the real output device.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soundweave/eqhost/internal/api"
	"github.com/soundweave/eqhost/internal/driverinstall"
	"github.com/soundweave/eqhost/internal/dsp"
	"github.com/soundweave/eqhost/internal/logging"
	"github.com/soundweave/eqhost/internal/nullaudio"
	"github.com/soundweave/eqhost/internal/orchestrator"
	"github.com/soundweave/eqhost/internal/presetfile"
)

const defaultSampleRate = 48000

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:9480", "address for the local HTTP API")
		regionPath = flag.String("region", "/tmp/eqhost-ring", "path of the shared audio ring")
		presetPath = flag.String("preset", "", "preset JSON file watched for changes")
		preferred  = flag.String("device", "", "UID of the preferred output device")
	)
	flag.Parse()

	logger := logging.GetDefaultLogger().With().Str("component", "eqhost").Logger()
	logger.Info().Int("pid", os.Getpid()).Msg("starting eqhost")

	if err := driverinstall.EnsureInstalled(platformInstaller()); err != nil {
		// The capture side still works when an external tool installed the
		// driver and started feeding the ring.
		logger.Warn().Err(err).Msg("virtual driver not installed")
	}

	engine, err := dsp.New(defaultSampleRate)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine init failed")
	}
	defer engine.Close()

	// The OS audio glue is platform work; the loopback system keeps the
	// whole pipeline runnable everywhere.
	system := nullaudio.NewSystem()

	orch := orchestrator.New(system, engine, *regionPath)
	if *preferred != "" {
		orch.SetPreferredDevice(*preferred)
	}

	server := api.NewServer(*listenAddr, engine, orch)
	orch.SetDeviceChangedHook(server.Events().BroadcastDeviceChanged)

	if err := orch.Start(); err != nil {
		// Not fatal: the orchestrator retries on device-list changes.
		logger.Warn().Err(err).Msg("no output device active yet")
	}
	defer orch.Stop()

	var poller *presetfile.Poller
	if *presetPath != "" {
		poller = presetfile.NewPoller(*presetPath, engine)
		poller.SetAppliedHook(server.Events().BroadcastPresetApplied)
		if err := poller.Start(); err != nil {
			logger.Fatal().Err(err).Msg("preset poller init failed")
		}
		defer poller.Stop()
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("api server init failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")
}

// platformInstaller returns the privileged driver installer for this OS.
// Packaging owns the elevation and install mechanics; no installer ships
// with the plain binary.
func platformInstaller() driverinstall.Installer { return nil }
