package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/levels"
)

// Session meters one endpoint. Lifecycle is one-way: uninitialized →
// initialized → capturing → stopped, with faulted reachable from any
// active state. A stopped or faulted session is never restarted; the
// metering service creates a fresh one instead.
//
// Concurrency: mu protects state and the stream. The observer is read on
// the audio thread, so it is swapped under mu and invoked outside it.
type Session struct {
	dev     device.Device
	backend Backend

	mu        sync.Mutex
	state     SessionState
	stream    Stream
	info      StreamInfo
	onLevels  LevelsFunc
	onError   ErrorFunc
	lastError string
}

// NewSession creates a session for an endpoint. No stream is opened until
// Initialize.
func NewSession(dev device.Device, backend Backend) *Session {
	return &Session{
		dev:     dev,
		backend: backend,
		state:   StateUninitialized,
	}
}

// DeviceID returns the endpoint ID the session meters.
func (s *Session) DeviceID() string { return s.dev.ID }

// DeviceName returns the endpoint's display name.
func (s *Session) DeviceName() string { return s.dev.Name }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the message recorded when the session faulted.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Info returns the negotiated stream format. Zero until Initialize
// succeeds.
func (s *Session) Info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// SetObserver installs the measurement callback. Pass nil to detach.
func (s *Session) SetObserver(fn LevelsFunc) {
	s.mu.Lock()
	s.onLevels = fn
	s.mu.Unlock()
}

// SetErrorObserver installs the callback for faults raised after Start
// succeeded. It fires at most once, from a backend thread.
func (s *Session) SetErrorObserver(fn ErrorFunc) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Initialize opens the capture stream. Endpoints with more channels than
// the meters support are rejected before touching the backend. Calling
// Initialize again on an initialized session is a no-op.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateInitialized, StateCapturing:
		return nil
	case StateStopped, StateFaulted:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.dev.ID)
	}

	if s.dev.Channels > device.MaxMeterChannels {
		s.state = StateFaulted
		s.lastError = fmt.Sprintf("%d channels", s.dev.Channels)
		return fmt.Errorf("%w: %s has %d channels", ErrTooManyChannels, s.dev.ID, s.dev.Channels)
	}

	stream, info, err := s.backend.Open(s.dev, s.handleData, s.handleStreamStop)
	if err != nil {
		s.state = StateFaulted
		s.lastError = err.Error()
		return err
	}

	s.stream = stream
	s.info = info
	s.state = StateInitialized
	return nil
}

// Start begins capturing. It reports whether this call started the stream;
// an already-capturing session returns false with no error.
func (s *Session) Start() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCapturing:
		return false, nil
	case StateInitialized:
	default:
		return false, fmt.Errorf("cannot start session in state %q", s.state)
	}

	if err := s.stream.Start(); err != nil {
		s.state = StateFaulted
		s.lastError = err.Error()
		return false, fmt.Errorf("starting capture for %s: %w", s.dev.ID, err)
	}
	s.state = StateCapturing
	return true, nil
}

// Stop halts capturing. Stopping a session that is not capturing is a
// no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return nil
	}
	// Leave capturing before touching the stream so the backend's stop
	// notification reads as deliberate.
	s.state = StateInitialized
	stream := s.stream
	s.mu.Unlock()

	if err := stream.Stop(); err != nil {
		slog.Warn("Failed to stop capture stream",
			"device_id", s.dev.ID, "error", err)
	}
	return nil
}

// Close detaches the observer, stops the stream and releases it. The
// session is terminal afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	// Detach first so in-flight callbacks stop reaching the observers.
	s.onLevels = nil
	s.onError = nil

	stream := s.stream
	s.stream = nil
	capturing := s.state == StateCapturing
	if s.state != StateFaulted {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if stream == nil {
		return
	}
	if capturing {
		if err := stream.Stop(); err != nil {
			slog.Warn("Failed to stop capture stream",
				"device_id", s.dev.ID, "error", err)
		}
	}
	stream.Close()
}

// handleStreamStop runs on a backend thread whenever the stream stops.
// Deliberate stops leave the capturing state before the stream is
// touched, so a stop seen while still capturing is a native fault.
func (s *Session) handleStreamStop() {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	s.state = StateFaulted
	s.lastError = ErrStreamStopped.Error()
	fn := s.onError
	s.onError = nil
	s.mu.Unlock()

	slog.Warn("Capture stream stopped unexpectedly", "device_id", s.dev.ID)
	if fn != nil {
		fn(s.dev.ID, fmt.Errorf("%w: %s", ErrStreamStopped, s.dev.ID))
	}
}

// handleData runs on the audio thread.
func (s *Session) handleData(buf []byte, frames int) {
	s.mu.Lock()
	if s.state != StateCapturing || s.onLevels == nil {
		s.mu.Unlock()
		return
	}
	fn := s.onLevels
	info := s.info
	s.mu.Unlock()

	n := frames * info.Channels * info.Format.Stride()
	peak, rms, stereo := levels.Measure(buf, n, info.Format, info.Channels)
	fn(Measurement{
		DeviceID: s.dev.ID,
		Peak:     peak,
		RMS:      rms,
		Stereo:   stereo,
	})
}
