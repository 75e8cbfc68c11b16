package enforce

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/types"
)

// pendingWriteWindow bounds how long an internal write may wait for its
// change notification before the marker is discarded as stale.
const pendingWriteWindow = time.Second

type pendingWrite struct {
	count int
	at    time.Time
}

// Engine reacts to endpoint volume change notifications and writes the
// frozen target back whenever an external change moved a frozen device.
//
// Writes the engine makes itself come back as notifications too; a
// per-device pending counter swallows those echoes so one external change
// produces exactly one corrective write.
type Engine struct {
	store   Store
	volumes device.VolumeController
	paused  atomic.Bool

	mu      sync.Mutex
	pending map[string]*pendingWrite

	enforceCount atomic.Int64
	lastMu       sync.Mutex
	lastDeviceID string
	lastEnforced int64

	// OnEnforced fires after each corrective write with the time the
	// write happened.
	OnEnforced func(deviceID string, observedDB, targetDB float64, at time.Time)
	// OnEvent receives freeze lifecycle events for the event log.
	OnEvent func(event, deviceID, detail string)
}

// NewEngine creates an engine over the given store and volume controller.
func NewEngine(store Store, volumes device.VolumeController) *Engine {
	return &Engine{
		store:   store,
		volumes: volumes,
		pending: make(map[string]*pendingWrite),
	}
}

// Freeze pins a device at targetDB. A nil target freezes at the device's
// current volume.
func (e *Engine) Freeze(dev *device.Device, targetDB *float64) (types.FrozenDevice, error) {
	var target float64
	if targetDB != nil {
		target = *targetDB
	} else {
		current, err := e.volumes.VolumeDB(dev.ID)
		if err != nil {
			return types.FrozenDevice{}, fmt.Errorf("reading volume of %s: %w", dev.ID, err)
		}
		target = current
	}
	target = normalizeTarget(target, dev.Volume)

	fd := types.FrozenDevice{
		DeviceID: dev.ID,
		Name:     dev.Name,
		TargetDB: target,
		FrozenAt: time.Now().UnixMilli(),
	}
	e.store.Put(fd)
	slog.Info("Device frozen", "device_id", dev.ID, "name", dev.Name, "target_db", target)
	e.notifyEvent("freeze", dev.ID, fmt.Sprintf("%.1f dB", target))

	// Snap to the target right away instead of waiting for the next
	// external change.
	if err := e.writeTarget(dev.ID, target); err != nil {
		slog.Warn("Failed to apply freeze target", "device_id", dev.ID, "error", err)
	}
	return fd, nil
}

// Unfreeze releases a device. It reports whether the device was frozen.
func (e *Engine) Unfreeze(deviceID string) bool {
	if !e.store.Remove(deviceID) {
		return false
	}
	e.mu.Lock()
	delete(e.pending, deviceID)
	e.mu.Unlock()

	slog.Info("Device unfrozen", "device_id", deviceID)
	e.notifyEvent("unfreeze", deviceID, "")
	return true
}

// SetPaused suspends or resumes enforcement globally. Frozen state is
// kept; only the corrective writes stop.
func (e *Engine) SetPaused(paused bool) {
	if e.paused.Swap(paused) == paused {
		return
	}
	if paused {
		slog.Info("Volume enforcement paused")
		e.notifyEvent("enforce_paused", "", "")
	} else {
		slog.Info("Volume enforcement resumed")
		e.notifyEvent("enforce_resumed", "", "")
	}
}

// Paused reports the global pause flag.
func (e *Engine) Paused() bool { return e.paused.Load() }

// ShouldEnforce reports whether a change on the device would be corrected.
func (e *Engine) ShouldEnforce(deviceID string, volume device.VolumeRange) bool {
	if e.paused.Load() {
		return false
	}
	if !volume.Valid() {
		return false
	}
	_, frozen := e.store.Get(deviceID)
	return frozen
}

// Target returns the effective enforcement target for a frozen device,
// clamped into the given range.
func (e *Engine) Target(deviceID string, volume device.VolumeRange) (float64, bool) {
	fd, ok := e.store.Get(deviceID)
	if !ok {
		return 0, false
	}
	return normalizeTarget(fd.TargetDB, volume), true
}

// HandleVolumeChange processes one endpoint volume notification. It
// reports whether a corrective write was issued.
func (e *Engine) HandleVolumeChange(deviceID string, volume device.VolumeRange, observedDB float64) bool {
	if e.consumeEcho(deviceID) {
		return false
	}
	if !e.ShouldEnforce(deviceID, volume) {
		return false
	}
	target, ok := e.Target(deviceID, volume)
	if !ok {
		return false
	}
	if math.Abs(observedDB-target) <= types.EnforceHysteresisDB {
		return false
	}

	if err := e.writeTarget(deviceID, target); err != nil {
		slog.Error("Failed to enforce volume",
			"device_id", deviceID, "target_db", target, "error", err)
		return false
	}

	now := time.Now()
	e.enforceCount.Add(1)
	e.lastMu.Lock()
	e.lastDeviceID = deviceID
	e.lastEnforced = now.UnixMilli()
	e.lastMu.Unlock()

	slog.Info("Volume enforced",
		"device_id", deviceID, "observed_db", observedDB, "target_db", target)
	e.notifyEvent("volume_enforced", deviceID,
		fmt.Sprintf("%.1f dB -> %.1f dB", observedDB, target))
	if e.OnEnforced != nil {
		e.OnEnforced(deviceID, observedDB, target, now)
	}
	return true
}

// writeTarget performs an internal write, marking it so the resulting
// notification is ignored.
func (e *Engine) writeTarget(deviceID string, target float64) error {
	e.mu.Lock()
	pw := e.pending[deviceID]
	if pw == nil {
		pw = &pendingWrite{}
		e.pending[deviceID] = pw
	}
	pw.count++
	pw.at = time.Now()
	e.mu.Unlock()

	if err := e.volumes.SetVolumeDB(deviceID, target); err != nil {
		e.mu.Lock()
		if pw := e.pending[deviceID]; pw != nil && pw.count > 0 {
			pw.count--
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// consumeEcho reports whether this notification is the echo of an
// internal write.
func (e *Engine) consumeEcho(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	pw := e.pending[deviceID]
	if pw == nil || pw.count == 0 {
		return false
	}
	if time.Since(pw.at) > pendingWriteWindow {
		delete(e.pending, deviceID)
		return false
	}
	pw.count--
	if pw.count == 0 {
		delete(e.pending, deviceID)
	}
	return true
}

// Status returns the engine state for the control plane.
func (e *Engine) Status() types.EnforceStatus {
	e.lastMu.Lock()
	lastDevice := e.lastDeviceID
	lastAt := e.lastEnforced
	e.lastMu.Unlock()

	return types.EnforceStatus{
		Paused:       e.paused.Load(),
		FrozenCount:  len(e.store.List()),
		EnforceCount: e.enforceCount.Load(),
		LastDeviceID: lastDevice,
		LastEnforced: lastAt,
	}
}

func (e *Engine) notifyEvent(event, deviceID, detail string) {
	if e.OnEvent != nil {
		e.OnEvent(event, deviceID, detail)
	}
}

// normalizeTarget makes a stored target safe to write: non-finite values
// fall back to 0 dB and everything is clamped into the device range.
func normalizeTarget(target float64, volume device.VolumeRange) float64 {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		target = 0
	}
	if volume.Valid() {
		target = volume.Clamp(target)
	}
	return target
}
