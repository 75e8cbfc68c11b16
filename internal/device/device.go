// Package device provides audio endpoint enumeration and the native
// device I/O boundary used by metering and volume enforcement.
package device

import (
	"context"
	"errors"
)

// ErrDeviceNotFound is returned when a device ID cannot be resolved.
var ErrDeviceNotFound = errors.New("audio device not found")

// Direction identifies which way audio flows through an endpoint.
type Direction int

// Endpoint directions.
const (
	Capture Direction = iota
	Render
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Render {
		return "render"
	}
	return "capture"
}

// MaxMeterChannels is the highest channel count the metering pipeline
// accepts. Endpoints above it are still enumerated and volume-controllable.
const MaxMeterChannels = 2

// VolumeRange describes an endpoint's controllable volume span in dB.
// A zero range means the endpoint has a fixed volume.
type VolumeRange struct {
	MinDB  float64 `json:"min_db"`
	MaxDB  float64 `json:"max_db"`
	StepDB float64 `json:"step_db"`
}

// Valid reports whether the endpoint exposes an adjustable volume.
func (r VolumeRange) Valid() bool {
	return r.MaxDB > r.MinDB
}

// Clamp restricts db to the range.
func (r VolumeRange) Clamp(db float64) float64 {
	if db < r.MinDB {
		return r.MinDB
	}
	if db > r.MaxDB {
		return r.MaxDB
	}
	return db
}

// Device is one audio endpoint as observed during an enumeration pass.
// The value is only guaranteed accurate for the lifetime of the pass.
type Device struct {
	ID        string      `json:"id"` // Opaque stable identifier
	Name      string      `json:"name"`
	Direction Direction   `json:"-"`
	Channels  int         `json:"channels"`
	Volume    VolumeRange `json:"volume"`
	Muted     bool        `json:"muted"`
	IsDefault bool        `json:"is_default"`
}

// Meterable reports whether the endpoint's channel layout is supported by
// the capture pipeline.
func (d *Device) Meterable() bool {
	return d.Channels >= 1 && d.Channels <= MaxMeterChannels
}

// Enumerator lists the active audio endpoints of a direction. Returned
// devices are borrowed for a single enumeration pass; callers must not
// retain them across passes.
type Enumerator interface {
	List(ctx context.Context, dir Direction) ([]Device, error)
	Get(ctx context.Context, id string) (*Device, error)
}

// VolumeController is the native endpoint volume I/O boundary.
type VolumeController interface {
	VolumeDB(deviceID string) (float64, error)
	SetVolumeDB(deviceID string, db float64) error
	VolumeRange(deviceID string) (VolumeRange, error)
	Muted(deviceID string) (bool, error)
	SetMuted(deviceID string, muted bool) error
}
