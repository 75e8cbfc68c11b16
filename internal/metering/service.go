// Package metering owns the set of capture sessions for the active device
// group and turns their raw measurements into throttled level updates.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levelpin/levelpin/internal/capture"
	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/levels"
	"github.com/levelpin/levelpin/internal/types"
)

// Config is the snapshot of settings the service reads on every rebuild.
type Config struct {
	Silence   levels.SilenceConfig
	Favorites []string
}

// ConfigFunc returns the current settings snapshot.
type ConfigFunc func() Config

// Service manages one capture session per metered endpoint. Group switches
// are serialized through a single worker; when switches pile up only the
// most recent one is applied.
//
// Concurrency: mu protects the session set and enabled/group flags.
// pendingMu protects only the switch queue. rebuildMu makes rebuilds
// mutually exclusive with each other and with the disable teardown, so a
// rebuild that raced a disable can never leave sessions running. Counters
// are atomics so the diagnostics loop never takes a lock.
type Service struct {
	enum         device.Enumerator
	backend      capture.Backend
	config       ConfigFunc
	restartDelay time.Duration

	rebuildMu sync.Mutex

	mu             sync.RWMutex
	sessions       map[string]*capture.Session
	meters         map[string]*meterState
	latest         map[string]types.DeviceLevels
	enabled        bool
	activeGroup    string
	lastError      string
	restartPending map[string]bool

	pendingMu    sync.Mutex
	pendingGroup *string
	switching    bool

	refreshCount atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time

	throttle *throttle

	// OnLevels receives throttled per-device level updates.
	OnLevels func(types.DeviceLevels)
	// OnSilence fires on silence state changes for a metered device.
	OnSilence func(deviceID, name string, ev levels.SilenceEvent)
	// OnEvent receives lifecycle events for the event log.
	OnEvent func(event, deviceID, detail string)
}

type meterState struct {
	detector *levels.SilenceDetector
	holder   *levels.PeakHolder
	name     string
}

// NewService creates a disabled service on the recording group.
func NewService(enum device.Enumerator, backend capture.Backend, config ConfigFunc) *Service {
	s := &Service{
		enum:           enum,
		backend:        backend,
		config:         config,
		restartDelay:   types.SessionRestartDelay,
		sessions:       make(map[string]*capture.Session),
		meters:         make(map[string]*meterState),
		latest:         make(map[string]types.DeviceLevels),
		activeGroup:    types.GroupRecording,
		restartPending: make(map[string]bool),
		startTime:      time.Now(),
	}
	s.throttle = newThrottle(s.emitLevels)
	return s
}

// Run drives the delivery and diagnostics tickers until ctx is done, then
// stops all sessions.
func (s *Service) Run(ctx context.Context) {
	levelTicker := time.NewTicker(types.LevelTickInterval)
	defer levelTicker.Stop()
	diagTicker := time.NewTicker(types.DiagnosticsInterval)
	defer diagTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-levelTicker.C:
			s.throttle.flush()
		case <-diagTicker.C:
			s.logDiagnostics()
		}
	}
}

// Enabled reports whether metering is running.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// ActiveGroup returns the group whose devices are metered.
func (s *Service) ActiveGroup() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeGroup
}

// SetEnabled turns metering on or off. Disabling stops every session and
// sweeps each meter to full scale and back to zero so displays clear
// instead of freezing at the last level.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	s.mu.Unlock()

	if enabled {
		slog.Info("Metering enabled")
		s.rebuild()
		return
	}

	slog.Info("Metering disabled")
	// Wait out any in-flight rebuild so its sessions are torn down here,
	// before this call returns.
	s.rebuildMu.Lock()
	cleared := s.stopAll()
	s.rebuildMu.Unlock()
	for _, dl := range cleared {
		s.emitLevels(types.DeviceLevels{
			DeviceID: dl.DeviceID, Name: dl.Name,
			Peak: 1, RMS: 1, PeakLeft: 1, PeakRight: 1,
			HeldPeakDB: 0, RMSDB: 0,
		})
		s.emitLevels(types.DeviceLevels{
			DeviceID: dl.DeviceID, Name: dl.Name,
			HeldPeakDB: levels.MinDB, RMSDB: levels.MinDB,
		})
	}
}

// SetActiveGroup requests a switch to another device group. The call never
// blocks on device work; switches are applied by a worker and a newer
// request supersedes any queued one.
func (s *Service) SetActiveGroup(group string) error {
	if !types.ValidGroup(group) {
		return fmt.Errorf("unknown device group %q", group)
	}

	s.pendingMu.Lock()
	s.pendingGroup = &group
	if s.switching {
		s.pendingMu.Unlock()
		return nil
	}
	s.switching = true
	s.pendingMu.Unlock()

	go s.drainSwitches()
	return nil
}

func (s *Service) drainSwitches() {
	for {
		s.pendingMu.Lock()
		group := s.pendingGroup
		s.pendingGroup = nil
		if group == nil {
			s.switching = false
			s.pendingMu.Unlock()
			return
		}
		s.pendingMu.Unlock()

		s.applyGroup(*group)
	}
}

func (s *Service) applyGroup(group string) {
	s.mu.Lock()
	changed := s.activeGroup != group
	s.activeGroup = group
	enabled := s.enabled
	s.mu.Unlock()

	if changed {
		slog.Info("Active device group changed", "group", group)
		s.notifyEvent("group_change", "", group)
	}
	if enabled {
		s.rebuild()
	}
}

// Refresh tears down every session and recreates the active group from a
// fresh enumeration pass. Used after device hot-plug notifications.
func (s *Service) Refresh() {
	s.mu.RLock()
	enabled := s.enabled
	s.mu.RUnlock()
	if !enabled {
		return
	}
	s.rebuild()
}

// rebuild is the single code path that materializes sessions. It always
// starts from zero running sessions. Holding rebuildMu for the whole pass
// keeps concurrent enable/refresh/switch rebuilds from interleaving, and
// lets a disable wait for an in-flight pass before tearing down.
func (s *Service) rebuild() {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.stopAll()
	s.refreshCount.Add(1)

	s.mu.RLock()
	group := s.activeGroup
	enabled := s.enabled
	s.mu.RUnlock()
	if !enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), types.EnumerationTimeout)
	defer cancel()

	devices, err := s.devicesForGroup(ctx, group)
	if err != nil {
		s.recordError(fmt.Sprintf("enumerating %s: %v", group, err))
		slog.Error("Device enumeration failed", "group", group, "error", err)
		return
	}

	for _, dev := range devices {
		if skip, reason := s.shouldSkip(&dev); skip {
			slog.Debug("Skipping device", "device_id", dev.ID, "name", dev.Name, "reason", reason)
			continue
		}
		s.startSession(dev)
	}

	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()
	slog.Info("Metering sessions rebuilt", "group", group, "sessions", active)
}

// shouldSkip applies the enumeration filters: transient placeholder
// entries and channel layouts the meters cannot represent.
func (s *Service) shouldSkip(dev *device.Device) (bool, string) {
	if isPlaceholderName(dev.Name) {
		return true, "placeholder name"
	}
	if !dev.Meterable() {
		return true, fmt.Sprintf("%d channels", dev.Channels)
	}
	return false, ""
}

func (s *Service) devicesForGroup(ctx context.Context, group string) ([]device.Device, error) {
	switch group {
	case types.GroupRecording:
		return s.enum.List(ctx, device.Capture)
	case types.GroupPlayback:
		return s.enum.List(ctx, device.Render)
	case types.GroupFavorites:
		return s.favoriteDevices(ctx)
	default:
		return nil, fmt.Errorf("unknown device group %q", group)
	}
}

// favoriteDevices resolves the configured favorites against both
// directions. Unresolvable entries are logged and dropped.
func (s *Service) favoriteDevices(ctx context.Context) ([]device.Device, error) {
	render, err := s.enum.List(ctx, device.Render)
	if err != nil {
		return nil, err
	}
	capt, err := s.enum.List(ctx, device.Capture)
	if err != nil {
		return nil, err
	}
	all := append(render, capt...)

	cfg := s.config()
	var out []device.Device
	seen := make(map[string]struct{})
	for _, query := range cfg.Favorites {
		dev := ResolveDevice(all, query)
		if dev == nil {
			slog.Warn("Favorite device not found", "query", query)
			continue
		}
		if _, dup := seen[dev.ID]; dup {
			continue
		}
		seen[dev.ID] = struct{}{}
		out = append(out, *dev)
	}
	return out, nil
}

// startSession creates, initializes and starts one session. Failures go
// through the session error policy.
func (s *Service) startSession(dev device.Device) {
	sess := capture.NewSession(dev, s.backend)
	sess.SetObserver(s.handleMeasurement)
	sess.SetErrorObserver(func(_ string, err error) {
		s.handleStreamFault(dev, err)
	})

	if err := sess.Initialize(); err != nil {
		s.handleSessionError(dev, err)
		return
	}
	if _, err := sess.Start(); err != nil {
		sess.Close()
		s.handleSessionError(dev, err)
		return
	}
	s.notifyEvent("channel_count", dev.ID, fmt.Sprintf("%d", sess.Info().Channels))

	s.mu.Lock()
	if old := s.sessions[dev.ID]; old != nil {
		old.Close()
	}
	s.sessions[dev.ID] = sess
	s.meters[dev.ID] = &meterState{
		detector: levels.NewSilenceDetector(),
		holder:   levels.NewPeakHolder(),
		name:     dev.Name,
	}
	s.mu.Unlock()
}

// handleStreamFault reacts to a session dying after Start succeeded. The
// dead session is discarded and the usual error policy decides whether
// one restart is attempted.
func (s *Service) handleStreamFault(dev device.Device, err error) {
	s.mu.Lock()
	sess := s.sessions[dev.ID]
	delete(s.sessions, dev.ID)
	delete(s.meters, dev.ID)
	delete(s.latest, dev.ID)
	s.mu.Unlock()

	if sess != nil {
		// The fault callback runs on the backend's own thread; releasing
		// the native handle there would deadlock it.
		go sess.Close()
	}
	s.handleSessionError(dev, err)
}

// handleSessionError applies the capture error policy. Exclusive-mode
// devices are skipped without retry; anything else gets exactly one
// delayed restart attempt.
func (s *Service) handleSessionError(dev device.Device, err error) {
	s.recordError(err.Error())
	s.notifyEvent("capture_error", dev.ID, err.Error())

	if errors.Is(err, capture.ErrDeviceInUse) {
		slog.Info("Device held exclusively by another process, skipping",
			"device_id", dev.ID, "name", dev.Name)
		return
	}
	if errors.Is(err, capture.ErrTooManyChannels) {
		return
	}

	s.mu.Lock()
	if s.restartPending[dev.ID] {
		s.mu.Unlock()
		return
	}
	s.restartPending[dev.ID] = true
	s.mu.Unlock()

	slog.Warn("Capture session failed, scheduling restart",
		"device_id", dev.ID, "error", err, "delay", s.restartDelay)

	time.AfterFunc(s.restartDelay, func() {
		s.mu.Lock()
		delete(s.restartPending, dev.ID)
		enabled := s.enabled
		_, running := s.sessions[dev.ID]
		s.mu.Unlock()

		if !enabled || running {
			return
		}
		s.notifyEvent("session_restart", dev.ID, "")
		s.restartOnce(dev)
	})
}

// restartOnce is the single retry. A second failure is logged and the
// device stays dark until the next refresh.
func (s *Service) restartOnce(dev device.Device) {
	sess := capture.NewSession(dev, s.backend)
	sess.SetObserver(s.handleMeasurement)
	sess.SetErrorObserver(func(_ string, err error) {
		s.handleStreamFault(dev, err)
	})

	if err := sess.Initialize(); err != nil {
		s.recordError(err.Error())
		slog.Error("Capture restart failed, giving up until next refresh",
			"device_id", dev.ID, "error", err)
		return
	}
	if _, err := sess.Start(); err != nil {
		sess.Close()
		s.recordError(err.Error())
		slog.Error("Capture restart failed, giving up until next refresh",
			"device_id", dev.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.sessions[dev.ID] = sess
	if _, ok := s.meters[dev.ID]; !ok {
		s.meters[dev.ID] = &meterState{
			detector: levels.NewSilenceDetector(),
			holder:   levels.NewPeakHolder(),
			name:     dev.Name,
		}
	}
	s.mu.Unlock()
	slog.Info("Capture session restarted", "device_id", dev.ID)
}

// stopAll closes every session and returns the last known levels of the
// devices that were metered.
func (s *Service) stopAll() []types.DeviceLevels {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*capture.Session)
	s.meters = make(map[string]*meterState)
	cleared := make([]types.DeviceLevels, 0, len(sessions))
	for id, sess := range sessions {
		dl := s.latest[id]
		dl.DeviceID = id
		if dl.Name == "" {
			dl.Name = sess.DeviceName()
		}
		cleared = append(cleared, dl)
	}
	s.latest = make(map[string]types.DeviceLevels)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.throttle.reset()
	return cleared
}

// handleMeasurement runs on audio threads. It enriches the raw measurement
// and hands it to the throttle; delivery happens on the ticker.
func (s *Service) handleMeasurement(m capture.Measurement) {
	now := time.Now()
	cfg := s.config()

	s.mu.Lock()
	meter, ok := s.meters[m.DeviceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	peakDB := levels.AmplitudeDB(m.Peak)
	dl := types.DeviceLevels{
		DeviceID:   m.DeviceID,
		Name:       meter.name,
		Peak:       m.Peak,
		RMS:        m.RMS,
		PeakLeft:   m.Stereo.Left,
		PeakRight:  m.Stereo.Right,
		HeldPeakDB: meter.holder.Update(peakDB, now),
		RMSDB:      levels.AmplitudeDB(m.RMS),
	}
	ev := meter.detector.Update(peakDB, cfg.Silence, now)
	dl.Silence = ev.InSilence
	dl.SilenceDurationMs = ev.DurationMs
	name := meter.name
	s.latest[m.DeviceID] = dl
	s.mu.Unlock()

	if (ev.JustEntered || ev.JustRecovered) && s.OnSilence != nil {
		s.OnSilence(m.DeviceID, name, ev)
	}
	s.throttle.offer(dl)
}

func (s *Service) emitLevels(dl types.DeviceLevels) {
	if s.OnLevels != nil {
		s.OnLevels(dl)
	}
}

func (s *Service) notifyEvent(event, deviceID, detail string) {
	if s.OnEvent != nil {
		s.OnEvent(event, deviceID, detail)
	}
}

func (s *Service) recordError(msg string) {
	s.errorCount.Add(1)
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// Status returns the service state for the control plane.
func (s *Service) Status() types.MeterStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.MeterStatus{
		Enabled:        s.enabled,
		ActiveGroup:    s.activeGroup,
		ActiveSessions: len(s.sessions),
		RefreshCount:   s.refreshCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		LastError:      s.lastError,
	}
}

// LatestLevels returns the most recent reading per metered device.
func (s *Service) LatestLevels() []types.DeviceLevels {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.DeviceLevels, 0, len(s.latest))
	for _, dl := range s.latest {
		out = append(out, dl)
	}
	return out
}
