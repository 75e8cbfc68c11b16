// Package main provides an audio endpoint monitor that meters device levels,
// detects silence and pins endpoint volumes against external changes.
//
// Usage:
//
//	levelpin [-config path/to/config.json]
//
// If -config is not specified, the monitor looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/levelpin/levelpin/internal/capture"
	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/enforce"
	"github.com/levelpin/levelpin/internal/eventlog"
	"github.com/levelpin/levelpin/internal/levels"
	"github.com/levelpin/levelpin/internal/loading"
	"github.com/levelpin/levelpin/internal/metering"
	"github.com/levelpin/levelpin/internal/notify"
	"github.com/levelpin/levelpin/internal/types"
	"github.com/levelpin/levelpin/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	events := openEventLog(snap.WebPort)
	archiver := eventlog.NewArchiver(events, func() eventlog.S3Config {
		a := cfg.Snapshot().Archive
		return eventlog.S3Config{
			Endpoint:        a.Endpoint,
			Bucket:          a.Bucket,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
			Prefix:          a.Prefix,
		}
	})

	// Native device boundary.
	shadow := device.NewShadowController(device.DefaultShadowRange)
	enum := device.NewMalgoEnumerator(shadow, slog.Default())
	backend := capture.NewMalgoBackend()

	// Volume enforcement over the persisted frozen set.
	store := enforce.NewMemoryStore(cfg.FrozenDevices())
	store.OnChange = func(frozen []types.FrozenDevice) {
		if err := cfg.SetFrozenDevices(frozen); err != nil {
			slog.Error("failed to persist frozen devices", "error", err)
		}
	}
	engine := enforce.NewEngine(store, shadow)
	engine.SetPaused(snap.EnforcePaused)

	notifier := notify.NewAlertNotifier(cfg)

	meter := metering.NewService(enum, backend, func() metering.Config {
		s := cfg.Snapshot()
		return metering.Config{
			Silence: levels.SilenceConfig{
				Threshold:  s.SilenceThreshold,
				DurationMs: s.SilenceDurationMs,
				RecoveryMs: s.SilenceRecoveryMs,
			},
			Favorites: s.Favorites,
		}
	})

	// Event fan-out. Engine and meter emit event-log type names directly.
	engine.OnEvent = func(event, deviceID, detail string) {
		// Corrections are logged with full detail via OnEnforced.
		if event == string(eventlog.VolumeEnforced) {
			return
		}
		logEvent(events, event, deviceID, detail)
	}
	engine.OnEnforced = func(deviceID string, observedDB, targetDB float64, at time.Time) {
		name := deviceID
		if fd, ok := store.Get(deviceID); ok {
			name = fd.Name
		}
		err := events.Log(&eventlog.Event{
			Timestamp: at,
			Type:      eventlog.VolumeEnforced,
			DeviceID:  deviceID,
			Details: &eventlog.FreezeDetails{
				DeviceName: name,
				TargetDB:   targetDB,
				ObservedDB: observedDB,
			},
		})
		if err != nil {
			slog.Warn("failed to log enforcement", "error", err)
		}
		notifier.HandleEnforce(deviceID, name, observedDB, targetDB)
	}
	meter.OnEvent = func(event, deviceID, detail string) {
		logEvent(events, event, deviceID, detail)
	}
	meter.OnSilence = func(deviceID, name string, ev levels.SilenceEvent) {
		s := cfg.Snapshot()
		if ev.JustEntered {
			if err := events.LogSilence(eventlog.SilenceStart, deviceID, name,
				ev.CurrentLevelDB, s.SilenceThreshold, 0); err != nil {
				slog.Warn("failed to log silence", "error", err)
			}
		} else if ev.JustRecovered {
			if err := events.LogSilence(eventlog.SilenceEnd, deviceID, name,
				ev.CurrentLevelDB, s.SilenceThreshold, ev.TotalDurationMs); err != nil {
				slog.Warn("failed to log silence", "error", err)
			}
		}
		notifier.HandleSilence(deviceID, name, ev)
	}

	machine := loading.NewMachine()
	runner := loading.NewRunner(machine, loading.Phases{
		Enumerate: func(ctx context.Context) error {
			// Prime the native context; a failure here means no audio
			// subsystem at all.
			for _, dir := range []device.Direction{device.Render, device.Capture} {
				if _, err := enum.List(ctx, dir); err != nil {
					return err
				}
			}
			return nil
		},
		RestoreSavedState: func(ctx context.Context) error {
			// Re-apply pinned targets. Devices that disappeared while we
			// were down stay in the store and snap back on arrival.
			for _, fd := range store.List() {
				rng, err := shadow.VolumeRange(fd.DeviceID)
				if err != nil {
					continue
				}
				observed, err := shadow.VolumeDB(fd.DeviceID)
				if err != nil {
					continue
				}
				engine.HandleVolumeChange(fd.DeviceID, rng, observed)
			}
			return nil
		},
		RegisterWatchers: func(ctx context.Context) error {
			shadow.OnChange = func(deviceID string, volumeDB float64) {
				rng, err := shadow.VolumeRange(deviceID)
				if err != nil {
					return
				}
				engine.HandleVolumeChange(deviceID, rng, volumeDB)
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(cfg, serverDeps{
		meter:    meter,
		engine:   engine,
		store:    store,
		enum:     enum,
		load:     machine,
		notifier: notifier,
		events:   events,
		archiver: archiver,
	})
	// Levels reach clients through the server's fan-out, including the
	// clearing sweep when metering is disabled.
	meter.OnLevels = srv.PublishLevels

	go func() {
		if err := runner.Run(ctx); err != nil {
			slog.Error("startup failed", "error", err)
			return
		}
		if err := events.LogSystem(eventlog.LoadState, "ready"); err != nil {
			slog.Warn("failed to log load state", "error", err)
		}
		// Metering starts only after the load sequence completes.
		if cfg.Snapshot().MeteringEnabled {
			meter.SetEnabled(true)
		}
		if group := cfg.Snapshot().ActiveGroup; group != meter.ActiveGroup() {
			if err := meter.SetActiveGroup(group); err != nil {
				slog.Error("failed to restore active group", "group", group, "error", err)
			}
		}
	}()

	go meter.Run(ctx)
	go archiver.Run(ctx)

	// Start web server.
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	// Stop version checker goroutine
	srv.version.Stop()

	// Stop metering sessions and the archiver loop.
	cancel()

	// Shut down HTTP server.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), types.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := events.Close(); err != nil {
		slog.Error("error closing event log", "error", err)
	}

	slog.Info("shutdown complete")
}

// openEventLog opens the event log at the default path, falling back to the
// temp directory when the system location is not writable.
func openEventLog(port int) *eventlog.Logger {
	path := eventlog.DefaultLogPath(port)
	events, err := eventlog.NewLogger(path)
	if err == nil {
		return events
	}
	slog.Warn("failed to open event log, falling back to temp dir", "path", path, "error", err)

	fallback := filepath.Join(os.TempDir(), "levelpin", "levelpin.jsonl")
	events, err = eventlog.NewLogger(fallback)
	if err != nil {
		slog.Error("failed to open event log", "path", fallback, "error", err)
		os.Exit(1)
	}
	return events
}

// logEvent writes a core lifecycle event to the event log.
func logEvent(events *eventlog.Logger, event, deviceID, detail string) {
	if err := events.Log(&eventlog.Event{
		Type:     eventlog.EventType(event),
		DeviceID: deviceID,
		Message:  detail,
	}); err != nil {
		slog.Warn("failed to log event", "event", event, "error", err)
	}
}
