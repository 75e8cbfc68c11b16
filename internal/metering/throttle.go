package metering

import (
	"sync"

	"github.com/levelpin/levelpin/internal/types"
)

// throttle coalesces audio-rate measurements down to the delivery tick.
// Between flushes only the newest reading per device is kept; offer never
// blocks the audio thread.
type throttle struct {
	mu      sync.Mutex
	pending map[string]types.DeviceLevels
	emit    func(types.DeviceLevels)
}

func newThrottle(emit func(types.DeviceLevels)) *throttle {
	return &throttle{
		pending: make(map[string]types.DeviceLevels),
		emit:    emit,
	}
}

func (t *throttle) offer(dl types.DeviceLevels) {
	t.mu.Lock()
	t.pending[dl.DeviceID] = dl
	t.mu.Unlock()
}

// flush delivers one update per device that reported since the last tick.
func (t *throttle) flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = make(map[string]types.DeviceLevels)
	t.mu.Unlock()

	for _, dl := range batch {
		t.emit(dl)
	}
}

func (t *throttle) reset() {
	t.mu.Lock()
	t.pending = make(map[string]types.DeviceLevels)
	t.mu.Unlock()
}
