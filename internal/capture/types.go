// Package capture runs per-device audio capture streams and turns raw PCM
// into level measurements for the metering service.
package capture

import (
	"errors"

	"github.com/levelpin/levelpin/internal/levels"
)

// SessionState represents the lifecycle state of a capture session.
type SessionState string

const (
	// StateUninitialized indicates the session exists but holds no stream.
	StateUninitialized SessionState = "uninitialized"
	// StateInitialized indicates the stream is open but not running.
	StateInitialized SessionState = "initialized"
	// StateCapturing indicates the stream is running and emitting levels.
	StateCapturing SessionState = "capturing"
	// StateStopped indicates the session ended normally. Terminal.
	StateStopped SessionState = "stopped"
	// StateFaulted indicates the stream failed. Terminal.
	StateFaulted SessionState = "faulted"
)

var (
	// ErrTooManyChannels indicates the endpoint's channel layout exceeds
	// what the metering pipeline supports.
	ErrTooManyChannels = errors.New("unsupported channel count")
	// ErrDeviceInUse indicates another process holds the endpoint
	// exclusively.
	ErrDeviceInUse = errors.New("device in use by another process")
	// ErrSessionClosed indicates an operation on a terminal session.
	ErrSessionClosed = errors.New("capture session closed")
	// ErrStreamStopped indicates a running stream stopped without a Stop
	// call, usually because the endpoint went away.
	ErrStreamStopped = errors.New("capture stream stopped unexpectedly")
)

// StreamInfo describes the format negotiated with the audio backend.
type StreamInfo struct {
	Format     levels.SampleFormat
	Channels   int
	SampleRate uint32
}

// Measurement is one level reading from a capture callback.
type Measurement struct {
	DeviceID string
	Peak     float64
	RMS      float64
	Stereo   levels.PeakLevels
}

// LevelsFunc receives measurements from a capturing session. It is called
// on the audio thread and must not block.
type LevelsFunc func(Measurement)

// ErrorFunc receives asynchronous stream failures. It is called on a
// backend thread and must not close the faulted session synchronously.
type ErrorFunc func(deviceID string, err error)
