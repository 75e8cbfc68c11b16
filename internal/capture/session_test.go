package capture

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/levels"
)

type fakeStream struct {
	startErr error
	started  int
	stopped  int
	closed   int
}

func (f *fakeStream) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeStream) Stop() error {
	f.stopped++
	return nil
}

func (f *fakeStream) Close() { f.closed++ }

type fakeBackend struct {
	openErr error
	stream  *fakeStream
	onData  DataFunc
	onStop  StopFunc
	opens   int
}

func (f *fakeBackend) Open(dev device.Device, onData DataFunc, onStop StopFunc) (Stream, StreamInfo, error) {
	f.opens++
	if f.openErr != nil {
		return nil, StreamInfo{}, f.openErr
	}
	f.onData = onData
	f.onStop = onStop
	if f.stream == nil {
		f.stream = &fakeStream{}
	}
	return f.stream, StreamInfo{
		Format:     levels.FormatInt16,
		Channels:   dev.Channels,
		SampleRate: 48000,
	}, nil
}

func stereoDevice(id string) device.Device {
	return device.Device{ID: id, Name: "Speakers", Direction: device.Render, Channels: 2}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := NewSession(stereoDevice("dev1"), backend)

	if got := s.State(); got != StateUninitialized {
		t.Fatalf("initial state = %q, want %q", got, StateUninitialized)
	}

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := s.State(); got != StateInitialized {
		t.Fatalf("state after Initialize = %q, want %q", got, StateInitialized)
	}
	// Second Initialize is a no-op.
	if err := s.Initialize(); err != nil {
		t.Fatalf("repeat Initialize: %v", err)
	}
	if backend.opens != 1 {
		t.Fatalf("backend opens = %d, want 1", backend.opens)
	}

	started, err := s.Start()
	if err != nil || !started {
		t.Fatalf("Start = (%v, %v), want (true, nil)", started, err)
	}
	started, err = s.Start()
	if err != nil || started {
		t.Fatalf("repeat Start = (%v, %v), want (false, nil)", started, err)
	}
	if backend.stream.started != 1 {
		t.Fatalf("stream starts = %d, want 1", backend.stream.started)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("repeat Stop: %v", err)
	}
	if backend.stream.stopped != 1 {
		t.Fatalf("stream stops = %d, want 1", backend.stream.stopped)
	}

	s.Close()
	if got := s.State(); got != StateStopped {
		t.Fatalf("state after Close = %q, want %q", got, StateStopped)
	}
	if backend.stream.closed != 1 {
		t.Fatalf("stream closes = %d, want 1", backend.stream.closed)
	}

	if err := s.Initialize(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Initialize after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionRejectsWideChannelLayouts(t *testing.T) {
	t.Parallel()

	dev := stereoDevice("surround")
	dev.Channels = 6
	backend := &fakeBackend{}
	s := NewSession(dev, backend)

	err := s.Initialize()
	if !errors.Is(err, ErrTooManyChannels) {
		t.Fatalf("Initialize = %v, want ErrTooManyChannels", err)
	}
	if backend.opens != 0 {
		t.Error("backend must not be touched for rejected layouts")
	}
	if got := s.State(); got != StateFaulted {
		t.Errorf("state = %q, want %q", got, StateFaulted)
	}
}

func TestSessionStartRequiresInitialize(t *testing.T) {
	t.Parallel()

	s := NewSession(stereoDevice("dev1"), &fakeBackend{})
	if _, err := s.Start(); err == nil {
		t.Fatal("expected error starting uninitialized session")
	}
}

func TestSessionOpenInUse(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErr: ErrDeviceInUse}
	s := NewSession(stereoDevice("dev1"), backend)

	if err := s.Initialize(); !errors.Is(err, ErrDeviceInUse) {
		t.Fatalf("Initialize = %v, want ErrDeviceInUse", err)
	}
	if got := s.State(); got != StateFaulted {
		t.Errorf("state = %q, want %q", got, StateFaulted)
	}
}

func TestSessionFaultsOnStartError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{stream: &fakeStream{startErr: errors.New("stream gone")}}
	s := NewSession(stereoDevice("dev1"), backend)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.Start(); err == nil {
		t.Fatal("expected Start to fail")
	}
	if got := s.State(); got != StateFaulted {
		t.Errorf("state = %q, want %q", got, StateFaulted)
	}
	if s.LastError() == "" {
		t.Error("expected fault to record an error message")
	}
}

func TestSessionFaultsOnUnexpectedStreamStop(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := NewSession(stereoDevice("dev1"), backend)

	var gotID string
	var gotErr error
	s.SetErrorObserver(func(deviceID string, err error) {
		gotID, gotErr = deviceID, err
	})

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The backend reports the stream stopped without a Stop call.
	backend.onStop()

	if got := s.State(); got != StateFaulted {
		t.Fatalf("state = %q, want %q", got, StateFaulted)
	}
	if gotID != "dev1" {
		t.Errorf("observer device = %q, want dev1", gotID)
	}
	if !errors.Is(gotErr, ErrStreamStopped) {
		t.Errorf("observer error = %v, want ErrStreamStopped", gotErr)
	}
	if s.LastError() == "" {
		t.Error("expected fault to record an error message")
	}

	// The fault is terminal and reported once.
	gotErr = nil
	backend.onStop()
	if gotErr != nil {
		t.Error("observer must not fire again for a faulted session")
	}
}

func TestSessionDeliberateStopIsNotAFault(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := NewSession(stereoDevice("dev1"), backend)

	faults := 0
	s.SetErrorObserver(func(string, error) { faults++ })

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A Stop call leaves capturing first, so the backend's stop
	// notification reads as deliberate.
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	backend.onStop()

	if faults != 0 {
		t.Errorf("faults = %d, want 0", faults)
	}
	if got := s.State(); got != StateInitialized {
		t.Errorf("state = %q, want %q", got, StateInitialized)
	}
}

func TestSessionDeliversMeasurements(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := NewSession(stereoDevice("dev1"), backend)

	var got []Measurement
	s.SetObserver(func(m Measurement) { got = append(got, m) })

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two stereo frames: L=half scale, R=full scale.
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:], uint16(16384))
	binary.LittleEndian.PutUint16(buf[2:], uint16(32767))
	binary.LittleEndian.PutUint16(buf[4:], uint16(16384))
	binary.LittleEndian.PutUint16(buf[6:], uint16(32767))
	backend.onData(buf, 2)

	if len(got) != 1 {
		t.Fatalf("measurements = %d, want 1", len(got))
	}
	m := got[0]
	if m.DeviceID != "dev1" {
		t.Errorf("DeviceID = %q, want dev1", m.DeviceID)
	}
	if m.Peak < 0.99 {
		t.Errorf("Peak = %v, want close to 1.0", m.Peak)
	}
	if m.Stereo.Left > 0.51 || m.Stereo.Left < 0.49 {
		t.Errorf("Stereo.Left = %v, want about 0.5", m.Stereo.Left)
	}
	if m.Stereo.Right < 0.99 {
		t.Errorf("Stereo.Right = %v, want close to 1.0", m.Stereo.Right)
	}

	// No delivery once the session is closed.
	s.Close()
	backend.onData(buf, 2)
	if len(got) != 1 {
		t.Errorf("measurements after Close = %d, want still 1", len(got))
	}
}

func TestSessionIgnoresDataWhileStopped(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := NewSession(stereoDevice("dev1"), backend)

	calls := 0
	s.SetObserver(func(Measurement) { calls++ })

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	buf := make([]byte, 8)
	backend.onData(buf, 2)
	if calls != 0 {
		t.Fatal("observer must not fire before Start")
	}

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	backend.onData(buf, 2)
	if calls != 1 {
		t.Fatalf("observer calls = %d, want 1", calls)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	backend.onData(buf, 2)
	if calls != 1 {
		t.Errorf("observer calls after Stop = %d, want still 1", calls)
	}
}
