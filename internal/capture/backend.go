package capture

import "github.com/levelpin/levelpin/internal/device"

// DataFunc receives raw interleaved PCM from a running stream. frames is
// the number of complete sample frames in buf.
type DataFunc func(buf []byte, frames int)

// StopFunc is invoked by the backend whenever a stream stops, whether by
// an explicit Stop call or a native fault. It runs on a backend thread.
type StopFunc func()

// Stream is an open capture stream.
type Stream interface {
	Start() error
	Stop() error
	Close()
}

// Backend opens capture streams for endpoints. Render endpoints are opened
// in loopback so their playback signal can be metered.
type Backend interface {
	Open(dev device.Device, onData DataFunc, onStop StopFunc) (Stream, StreamInfo, error)
}
