package main

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
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
)

type stubEnum struct {
	devices []device.Device
}

func (e *stubEnum) List(ctx context.Context, dir device.Direction) ([]device.Device, error) {
	var out []device.Device
	for _, d := range e.devices {
		if d.Direction == dir {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *stubEnum) Get(ctx context.Context, id string) (*device.Device, error) {
	for i := range e.devices {
		if e.devices[i].ID == id {
			d := e.devices[i]
			return &d, nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

type stubStream struct{}

func (stubStream) Start() error { return nil }
func (stubStream) Stop() error  { return nil }
func (stubStream) Close()       {}

type stubBackend struct {
	mu     sync.Mutex
	onData map[string]capture.DataFunc
}

func (b *stubBackend) Open(dev device.Device, onData capture.DataFunc, onStop capture.StopFunc) (capture.Stream, capture.StreamInfo, error) {
	b.mu.Lock()
	b.onData[dev.ID] = onData
	b.mu.Unlock()
	return stubStream{}, capture.StreamInfo{
		Format:     levels.FormatInt16,
		Channels:   dev.Channels,
		SampleRate: 48000,
	}, nil
}

func (b *stubBackend) push(deviceID string, buf []byte, frames int) {
	b.mu.Lock()
	fn := b.onData[deviceID]
	b.mu.Unlock()
	if fn != nil {
		fn(buf, frames)
	}
}

// newTestServer composes a server over stub device I/O with one metered
// microphone.
func newTestServer(t *testing.T) (*Server, *metering.Service, *stubBackend) {
	t.Helper()

	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	events, err := eventlog.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("eventlog.NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })
	archiver := eventlog.NewArchiver(events, func() eventlog.S3Config { return eventlog.S3Config{} })

	enum := &stubEnum{devices: []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}}
	backend := &stubBackend{onData: make(map[string]capture.DataFunc)}
	shadow := device.NewShadowController(device.DefaultShadowRange)
	store := enforce.NewMemoryStore(nil)
	engine := enforce.NewEngine(store, shadow)
	notifier := notify.NewAlertNotifier(cfg)
	meter := metering.NewService(enum, backend, func() metering.Config {
		return metering.Config{
			Silence: levels.SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500},
		}
	})

	srv := NewServer(cfg, serverDeps{
		meter:    meter,
		engine:   engine,
		store:    store,
		enum:     enum,
		load:     loading.NewMachine(),
		notifier: notifier,
		events:   events,
		archiver: archiver,
	})
	meter.OnLevels = srv.PublishLevels
	t.Cleanup(srv.version.Stop)
	return srv, meter, backend
}

// nextLevels reads messages from the send channel until a levels frame
// arrives, skipping status frames.
func nextLevels(t *testing.T, send <-chan any) types.WSLevelsResponse {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-send:
			if lv, ok := msg.(types.WSLevelsResponse); ok {
				return lv
			}
		case <-deadline:
			t.Fatal("timed out waiting for a levels frame")
		}
	}
}

func TestWebSocketLevelsFollowMeterCallbacks(t *testing.T) {
	t.Parallel()

	srv, meter, backend := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go meter.Run(ctx)

	send := make(chan any, 64)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)
	go srv.runWebSocketEventLoop(send, done, statusUpdate)
	defer close(done)

	meter.SetEnabled(true)

	// Two full-scale mono frames.
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(32767))
	binary.LittleEndian.PutUint16(buf[2:], uint16(32767))
	backend.push("mic1", buf, 2)

	lv := nextLevels(t, send)
	if lv.Type != "levels" {
		t.Fatalf("frame type = %q, want levels", lv.Type)
	}
	var found bool
	for _, dl := range lv.Devices {
		if dl.DeviceID == "mic1" && dl.Peak > 0.99 {
			found = true
		}
	}
	if !found {
		t.Fatalf("levels frame %+v missing full-scale mic1 reading", lv.Devices)
	}
}

func TestWebSocketLevelsClearOnDisable(t *testing.T) {
	t.Parallel()

	srv, meter, backend := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go meter.Run(ctx)

	send := make(chan any, 64)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)
	go srv.runWebSocketEventLoop(send, done, statusUpdate)
	defer close(done)

	meter.SetEnabled(true)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(32767))
	binary.LittleEndian.PutUint16(buf[2:], uint16(32767))
	backend.push("mic1", buf, 2)
	nextLevels(t, send)

	// Disabling sweeps every meter to the floor; the sweep must reach
	// clients even though the service no longer reports the device.
	meter.SetEnabled(false)

	deadline := time.After(2 * time.Second)
	for {
		lv := nextLevels(t, send)
		cleared := false
		for _, dl := range lv.Devices {
			if dl.DeviceID == "mic1" && dl.HeldPeakDB == levels.MinDB && dl.Peak == 0 {
				cleared = true
			}
		}
		if cleared {
			return
		}
		select {
		case <-deadline:
			t.Fatal("meter floor frame never delivered after disable")
		default:
		}
	}
}
