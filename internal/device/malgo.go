package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
)

// MalgoEnumerator lists endpoints through the miniaudio backend. Each pass
// creates and tears down its own malgo context so a device hot-plug between
// passes is always observed. When a VolumeController is supplied the
// enumerator decorates each device with its current volume state.
type MalgoEnumerator struct {
	volumes VolumeController
	log     *slog.Logger
}

// NewMalgoEnumerator creates an enumerator. volumes may be nil.
func NewMalgoEnumerator(volumes VolumeController, logger *slog.Logger) *MalgoEnumerator {
	return &MalgoEnumerator{volumes: volumes, log: logger}
}

// List implements Enumerator.
func (e *MalgoEnumerator) List(ctx context.Context, dir Direction) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	typ := malgo.Capture
	if dir == Render {
		typ = malgo.Playback
	}
	infos, err := mctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s devices: %w", dir, err)
	}

	devices := make([]Device, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	for i := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Some backends report the same endpoint twice.
		id := EncodeDeviceID(infos[i].ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		full, err := mctx.DeviceInfo(typ, infos[i].ID, malgo.Shared)
		if err != nil {
			e.log.Warn("Skipping device with unreadable info",
				"device_id", id, "error", err)
			continue
		}

		dev := Device{
			ID:        id,
			Name:      strings.TrimSpace(full.Name()),
			Direction: dir,
			Channels:  deviceChannels(full),
			IsDefault: full.IsDefault != 0,
		}
		e.decorateVolume(&dev)
		devices = append(devices, dev)
	}
	return devices, nil
}

// Get implements Enumerator. The ID is matched against both directions.
func (e *MalgoEnumerator) Get(ctx context.Context, id string) (*Device, error) {
	for _, dir := range []Direction{Render, Capture} {
		devices, err := e.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		for i := range devices {
			if devices[i].ID == id {
				return &devices[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

func (e *MalgoEnumerator) decorateVolume(dev *Device) {
	if e.volumes == nil {
		return
	}
	if r, err := e.volumes.VolumeRange(dev.ID); err == nil {
		dev.Volume = r
	}
	if m, err := e.volumes.Muted(dev.ID); err == nil {
		dev.Muted = m
	}
}

// deviceChannels reports the widest native channel layout, defaulting to
// stereo when the backend does not expose format details.
func deviceChannels(info malgo.DeviceInfo) int {
	channels := 0
	for _, f := range info.Formats[:info.FormatCount] {
		if int(f.Channels) > channels {
			channels = int(f.Channels)
		}
	}
	if channels == 0 {
		return 2
	}
	return channels
}

// EncodeDeviceID renders a malgo device ID as a stable hex string with
// trailing zero padding stripped.
func EncodeDeviceID(id malgo.DeviceID) string {
	raw := id[:]
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	if end == 0 {
		return ""
	}
	return hex.EncodeToString(raw[:end])
}

// DecodeDeviceID parses a string produced by EncodeDeviceID.
func DecodeDeviceID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid device ID %q: %w", s, err)
	}
	if len(raw) > len(id) {
		return id, fmt.Errorf("invalid device ID %q: too long", s)
	}
	copy(id[:], raw)
	return id, nil
}
