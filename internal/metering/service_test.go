package metering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/levelpin/levelpin/internal/capture"
	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/levels"
	"github.com/levelpin/levelpin/internal/types"
)

type fakeEnum struct {
	mu      sync.Mutex
	capture []device.Device
	render  []device.Device
	listErr error

	gated   atomic.Bool
	entered chan device.Direction
	gate    chan struct{}
}

func newFakeEnum() *fakeEnum {
	return &fakeEnum{
		entered: make(chan device.Direction, 16),
		gate:    make(chan struct{}),
	}
}

func (e *fakeEnum) List(ctx context.Context, dir device.Direction) ([]device.Device, error) {
	if e.gated.Load() {
		e.entered <- dir
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listErr != nil {
		return nil, e.listErr
	}
	if dir == device.Render {
		return append([]device.Device(nil), e.render...), nil
	}
	return append([]device.Device(nil), e.capture...), nil
}

func (e *fakeEnum) Get(ctx context.Context, id string) (*device.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, list := range [][]device.Device{e.render, e.capture} {
		for i := range list {
			if list[i].ID == id {
				d := list[i]
				return &d, nil
			}
		}
	}
	return nil, device.ErrDeviceNotFound
}

type fakeMeterStream struct{}

func (fakeMeterStream) Start() error { return nil }
func (fakeMeterStream) Stop() error  { return nil }
func (fakeMeterStream) Close()       {}

type fakeMeterBackend struct {
	mu       sync.Mutex
	openErrs map[string][]error // Popped one per Open
	opens    map[string]int
	onData   map[string]capture.DataFunc
	onStop   map[string]capture.StopFunc
}

func newFakeMeterBackend() *fakeMeterBackend {
	return &fakeMeterBackend{
		openErrs: make(map[string][]error),
		opens:    make(map[string]int),
		onData:   make(map[string]capture.DataFunc),
		onStop:   make(map[string]capture.StopFunc),
	}
}

func (b *fakeMeterBackend) failNext(deviceID string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErrs[deviceID] = append(b.openErrs[deviceID], errs...)
}

func (b *fakeMeterBackend) openCount(deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[deviceID]
}

func (b *fakeMeterBackend) Open(dev device.Device, onData capture.DataFunc, onStop capture.StopFunc) (capture.Stream, capture.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens[dev.ID]++
	if queue := b.openErrs[dev.ID]; len(queue) > 0 {
		err := queue[0]
		b.openErrs[dev.ID] = queue[1:]
		return nil, capture.StreamInfo{}, err
	}
	b.onData[dev.ID] = onData
	b.onStop[dev.ID] = onStop
	return fakeMeterStream{}, capture.StreamInfo{
		Format:     levels.FormatInt16,
		Channels:   dev.Channels,
		SampleRate: 48000,
	}, nil
}

func (b *fakeMeterBackend) push(deviceID string, buf []byte, frames int) {
	b.mu.Lock()
	fn := b.onData[deviceID]
	b.mu.Unlock()
	if fn != nil {
		fn(buf, frames)
	}
}

// dropStream fires the stream's stop notification as the backend would on
// a native fault.
func (b *fakeMeterBackend) dropStream(deviceID string) {
	b.mu.Lock()
	fn := b.onStop[deviceID]
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func testConfig() ConfigFunc {
	return func() Config {
		return Config{
			Silence: levels.SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500},
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceEnableFiltersAndStartsSessions(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 2},
		{ID: "mic2", Name: "Line In", Direction: device.Capture, Channels: 1},
		{ID: "ghost", Name: "", Direction: device.Capture, Channels: 2},
		{ID: "surround", Name: "Surround Processor", Direction: device.Capture, Channels: 6},
	}
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())

	svc.SetEnabled(true)

	st := svc.Status()
	if !st.Enabled {
		t.Fatal("service must report enabled")
	}
	if st.ActiveSessions != 2 {
		t.Fatalf("active sessions = %d, want 2", st.ActiveSessions)
	}
	if backend.openCount("ghost") != 0 {
		t.Error("placeholder-named device must never be opened")
	}
	if backend.openCount("surround") != 0 {
		t.Error("wide channel layouts must be filtered before opening")
	}
	if st.RefreshCount != 1 {
		t.Errorf("refresh count = %d, want 1", st.RefreshCount)
	}
}

func TestServiceDisableSweepsMeters(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())

	var emitted []types.DeviceLevels
	var emitMu sync.Mutex
	svc.OnLevels = func(dl types.DeviceLevels) {
		emitMu.Lock()
		emitted = append(emitted, dl)
		emitMu.Unlock()
	}

	svc.SetEnabled(true)
	svc.SetEnabled(false)

	emitMu.Lock()
	defer emitMu.Unlock()
	if len(emitted) != 2 {
		t.Fatalf("sweep emissions = %d, want 2", len(emitted))
	}
	if emitted[0].Peak != 1 || emitted[0].DeviceID != "mic1" {
		t.Errorf("first sweep frame = %+v, want full scale for mic1", emitted[0])
	}
	if emitted[1].Peak != 0 || emitted[1].RMSDB != levels.MinDB {
		t.Errorf("second sweep frame = %+v, want floor", emitted[1])
	}
}

func TestServiceDisableIsIdempotent(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())

	calls := 0
	svc.OnLevels = func(types.DeviceLevels) { calls++ }

	svc.SetEnabled(false)
	if calls != 0 {
		t.Error("disabling a disabled service must not emit")
	}
}

func TestSetActiveGroupRejectsUnknown(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeEnum(), newFakeMeterBackend(), testConfig())
	if err := svc.SetActiveGroup("bogus"); err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestSetActiveGroupLatestWins(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	enum.render = []device.Device{
		{ID: "spk1", Name: "Speakers", Direction: device.Render, Channels: 2},
	}
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())
	svc.SetEnabled(true)

	// Block enumeration so further switch requests queue behind the first.
	enum.gated.Store(true)

	if err := svc.SetActiveGroup(types.GroupPlayback); err != nil {
		t.Fatalf("SetActiveGroup: %v", err)
	}
	dir := <-enum.entered
	if dir != device.Render {
		t.Fatalf("first gated pass direction = %v, want render", dir)
	}

	// Two more requests while the worker is blocked. Only the last one
	// may be applied.
	if err := svc.SetActiveGroup(types.GroupFavorites); err != nil {
		t.Fatalf("SetActiveGroup: %v", err)
	}
	if err := svc.SetActiveGroup(types.GroupRecording); err != nil {
		t.Fatalf("SetActiveGroup: %v", err)
	}

	enum.gate <- struct{}{} // finish playback rebuild

	dir = <-enum.entered
	if dir != device.Capture {
		t.Fatalf("second gated pass direction = %v, want capture (favorites must be skipped)", dir)
	}
	enum.gate <- struct{}{} // finish recording rebuild

	waitFor(t, "final group", func() bool {
		return svc.ActiveGroup() == types.GroupRecording
	})

	select {
	case dir := <-enum.entered:
		t.Fatalf("unexpected extra enumeration pass: %v", dir)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServiceInUseDeviceIsNotRestarted(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	backend := newFakeMeterBackend()
	backend.failNext("mic1", capture.ErrDeviceInUse)

	svc := NewService(enum, backend, testConfig())
	svc.restartDelay = 10 * time.Millisecond
	svc.SetEnabled(true)

	time.Sleep(100 * time.Millisecond)

	if got := backend.openCount("mic1"); got != 1 {
		t.Fatalf("open attempts = %d, want 1 (no restart for in-use devices)", got)
	}
	st := svc.Status()
	if st.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", st.ErrorCount)
	}
	if st.ActiveSessions != 0 {
		t.Errorf("active sessions = %d, want 0", st.ActiveSessions)
	}
}

func TestServiceRestartsFailedSessionOnce(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	backend := newFakeMeterBackend()
	backend.failNext("mic1", errors.New("transient driver error"))

	svc := NewService(enum, backend, testConfig())
	svc.restartDelay = 10 * time.Millisecond

	var eventsMu sync.Mutex
	var events []string
	svc.OnEvent = func(event, deviceID, detail string) {
		eventsMu.Lock()
		events = append(events, event)
		eventsMu.Unlock()
	}

	svc.SetEnabled(true)
	if svc.Status().ActiveSessions != 0 {
		t.Fatal("session must not be active after failed open")
	}

	waitFor(t, "restarted session", func() bool {
		return svc.Status().ActiveSessions == 1
	})
	if got := backend.openCount("mic1"); got != 2 {
		t.Errorf("open attempts = %d, want 2", got)
	}

	eventsMu.Lock()
	defer eventsMu.Unlock()
	var sawError, sawRestart bool
	for _, ev := range events {
		switch ev {
		case "capture_error":
			sawError = true
		case "session_restart":
			sawRestart = true
		}
	}
	if !sawError || !sawRestart {
		t.Errorf("events = %v, want capture_error and session_restart", events)
	}
}

func TestServiceRestartsSessionAfterStreamFault(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	backend := newFakeMeterBackend()

	svc := NewService(enum, backend, testConfig())
	svc.restartDelay = 10 * time.Millisecond

	var eventsMu sync.Mutex
	var events []string
	svc.OnEvent = func(event, deviceID, detail string) {
		eventsMu.Lock()
		events = append(events, event)
		eventsMu.Unlock()
	}

	svc.SetEnabled(true)
	if svc.Status().ActiveSessions != 1 {
		t.Fatal("session must be active after enable")
	}

	// The stream dies under a running session.
	backend.dropStream("mic1")

	waitFor(t, "session restarted after fault", func() bool {
		return backend.openCount("mic1") == 2 && svc.Status().ActiveSessions == 1
	})

	eventsMu.Lock()
	defer eventsMu.Unlock()
	var sawError, sawRestart bool
	for _, ev := range events {
		switch ev {
		case "capture_error":
			sawError = true
		case "session_restart":
			sawRestart = true
		}
	}
	if !sawError || !sawRestart {
		t.Errorf("events = %v, want capture_error and session_restart", events)
	}
}

func TestServiceEmitsChannelCountOnSessionStart(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 2},
	}
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())

	var eventsMu sync.Mutex
	counts := make(map[string]string)
	svc.OnEvent = func(event, deviceID, detail string) {
		if event == "channel_count" {
			eventsMu.Lock()
			counts[deviceID] = detail
			eventsMu.Unlock()
		}
	}

	svc.SetEnabled(true)

	eventsMu.Lock()
	defer eventsMu.Unlock()
	if got := counts["mic1"]; got != "2" {
		t.Errorf("channel_count detail = %q, want %q", got, "2")
	}
}

func TestDisableWaitsForInFlightRebuild(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	enum.render = []device.Device{
		{ID: "spk1", Name: "Speakers", Direction: device.Render, Channels: 2},
	}
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())
	svc.SetEnabled(true)

	// Block the switch worker's rebuild inside enumeration.
	enum.gated.Store(true)
	if err := svc.SetActiveGroup(types.GroupPlayback); err != nil {
		t.Fatalf("SetActiveGroup: %v", err)
	}
	<-enum.entered

	// Disable while the rebuild is in flight. It must not return until
	// the rebuild's sessions are torn down too.
	done := make(chan struct{})
	go func() {
		svc.SetEnabled(false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("disable returned while a rebuild was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	enum.gate <- struct{}{}
	<-done

	st := svc.Status()
	if st.Enabled {
		t.Fatal("service must report disabled")
	}
	if st.ActiveSessions != 0 {
		t.Fatalf("active sessions after disable = %d, want 0", st.ActiveSessions)
	}
	// Nothing may come back later either.
	time.Sleep(50 * time.Millisecond)
	if got := svc.Status().ActiveSessions; got != 0 {
		t.Fatalf("active sessions settled = %d, want 0", got)
	}
}

func TestServiceGivesUpAfterSingleRestart(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	backend := newFakeMeterBackend()
	backend.failNext("mic1",
		errors.New("driver error"),
		errors.New("driver error"),
		errors.New("driver error"))

	svc := NewService(enum, backend, testConfig())
	svc.restartDelay = 10 * time.Millisecond
	svc.SetEnabled(true)

	waitFor(t, "restart attempt", func() bool {
		return backend.openCount("mic1") == 2
	})
	time.Sleep(100 * time.Millisecond)

	if got := backend.openCount("mic1"); got != 2 {
		t.Fatalf("open attempts = %d, want exactly 2", got)
	}
	if st := svc.Status(); st.ActiveSessions != 0 || st.ErrorCount != 2 {
		t.Errorf("status = %+v, want 0 sessions and 2 errors", st)
	}
}

func TestServiceFavoritesGroup(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	enum.render = []device.Device{
		{ID: "spk1", Name: "Speakers (Realtek)", Direction: device.Render, Channels: 2},
	}
	backend := newFakeMeterBackend()
	cfg := func() Config {
		return Config{
			Silence:   levels.SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500},
			Favorites: []string{"speakers", "mic1", "Does Not Exist"},
		}
	}
	svc := NewService(enum, backend, cfg)
	svc.SetEnabled(true)

	waitFor(t, "recording group sessions", func() bool {
		return svc.Status().ActiveSessions == 1
	})

	if err := svc.SetActiveGroup(types.GroupFavorites); err != nil {
		t.Fatalf("SetActiveGroup: %v", err)
	}
	waitFor(t, "favorites sessions", func() bool {
		st := svc.Status()
		return st.ActiveGroup == types.GroupFavorites && st.ActiveSessions == 2
	})
	if backend.openCount("spk1") == 0 {
		t.Error("expected favorites to resolve speakers by substring")
	}
}

func TestServiceThrottledDelivery(t *testing.T) {
	t.Parallel()

	enum := newFakeEnum()
	enum.capture = []device.Device{
		{ID: "mic1", Name: "Microphone Array", Direction: device.Capture, Channels: 1},
	}
	backend := newFakeMeterBackend()
	svc := NewService(enum, backend, testConfig())

	var emitted []types.DeviceLevels
	var emitMu sync.Mutex
	svc.OnLevels = func(dl types.DeviceLevels) {
		emitMu.Lock()
		emitted = append(emitted, dl)
		emitMu.Unlock()
	}

	svc.SetEnabled(true)

	// Three callbacks inside one tick; only the newest survives.
	quarter := pcm16(8192, 8192)
	half := pcm16(16384, 16384)
	full := pcm16(32767, 32767)
	backend.push("mic1", quarter, 2)
	backend.push("mic1", half, 2)
	backend.push("mic1", full, 2)
	svc.throttle.flush()

	emitMu.Lock()
	if len(emitted) != 1 {
		emitMu.Unlock()
		t.Fatalf("emissions = %d, want 1", len(emitted))
	}
	dl := emitted[0]
	emitMu.Unlock()

	if dl.Peak < 0.99 {
		t.Errorf("delivered Peak = %v, want the newest reading (about 1.0)", dl.Peak)
	}
	if dl.Name != "Microphone Array" {
		t.Errorf("Name = %q, want enriched device name", dl.Name)
	}
	if dl.RMSDB > 0.01 || dl.RMSDB < -0.5 {
		t.Errorf("RMSDB = %v, want about 0 dBFS", dl.RMSDB)
	}

	// Nothing pending, nothing delivered.
	svc.throttle.flush()
	emitMu.Lock()
	defer emitMu.Unlock()
	if len(emitted) != 1 {
		t.Errorf("emissions after empty flush = %d, want still 1", len(emitted))
	}
}

// pcm16 encodes samples as little-endian S16.
func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(uint16(s))
		buf[i*2+1] = byte(uint16(s) >> 8)
	}
	return buf
}
