package capture

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/levels"
)

// Stream parameters requested from miniaudio. The backend converts from
// the device's native format, so these always succeed.
const (
	streamFormat     = malgo.FormatS16
	streamSampleRate = 48000
	streamPeriodMs   = 10
)

// MalgoBackend opens capture streams through miniaudio. Each stream owns
// its own malgo context so one failed device cannot poison the others.
type MalgoBackend struct{}

// NewMalgoBackend creates the backend.
func NewMalgoBackend() *MalgoBackend {
	return &MalgoBackend{}
}

type malgoStream struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

func (s *malgoStream) Start() error { return s.dev.Start() }
func (s *malgoStream) Stop() error  { return s.dev.Stop() }

func (s *malgoStream) Close() {
	s.dev.Uninit()
	_ = s.ctx.Uninit()
	s.ctx.Free()
}

// Open implements Backend.
func (b *MalgoBackend) Open(dev device.Device, onData DataFunc, onStop StopFunc) (Stream, StreamInfo, error) {
	var info StreamInfo

	id, err := device.DecodeDeviceID(dev.ID)
	if err != nil {
		return nil, info, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, info, fmt.Errorf("initializing audio context: %w", err)
	}

	deviceType := malgo.Capture
	if dev.Direction == device.Render {
		deviceType = malgo.Loopback
	}

	channels := dev.Channels
	if channels < 1 {
		channels = 1
	}

	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	deviceConfig.Capture.Format = streamFormat
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = streamSampleRate
	deviceConfig.PeriodSizeInMilliseconds = streamPeriodMs
	deviceConfig.Alsa.NoMMap = 1
	if dev.ID != "" {
		// Loopback selects its source through the playback side.
		if deviceType == malgo.Loopback {
			deviceConfig.Playback.DeviceID = id.Pointer()
		} else {
			deviceConfig.Capture.DeviceID = id.Pointer()
		}
	}

	frameBytes := levels.FormatInt16.Stride() * channels
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			_ = frameCount
			if len(input) == 0 {
				return
			}
			onData(input, len(input)/frameBytes)
		},
		Stop: func() {
			if onStop != nil {
				onStop()
			}
		},
	}

	mdev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, info, classifyOpenError(dev.ID, err)
	}

	info = StreamInfo{
		Format:     levels.FormatInt16,
		Channels:   channels,
		SampleRate: streamSampleRate,
	}
	return &malgoStream{ctx: mctx, dev: mdev}, info, nil
}

// classifyOpenError maps exclusive-mode failures onto ErrDeviceInUse so
// callers can skip the restart path for them.
func classifyOpenError(deviceID string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"in use", "busy", "access denied", "unavailable"} {
		if strings.Contains(msg, needle) {
			return fmt.Errorf("%w: %s: %v", ErrDeviceInUse, deviceID, err)
		}
	}
	return fmt.Errorf("opening capture stream for %s: %w", deviceID, err)
}
