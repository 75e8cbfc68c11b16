package device

import (
	"sync"
)

// DefaultShadowRange mirrors the span most endpoint drivers report.
var DefaultShadowRange = VolumeRange{MinDB: -96, MaxDB: 0, StepDB: 0.5}

type shadowState struct {
	volumeDB float64
	muted    bool
}

// ShadowController is an in-memory VolumeController. It backs platforms
// without a native endpoint volume API and doubles as the test double for
// the enforcement engine. Unknown devices are materialized on first touch
// at the top of the default range.
type ShadowController struct {
	mu       sync.RWMutex
	rangeDB  VolumeRange
	states   map[string]*shadowState
	OnChange func(deviceID string, volumeDB float64) // Optional, called outside the lock
}

// NewShadowController creates a controller with the given range. A zero
// range falls back to DefaultShadowRange.
func NewShadowController(r VolumeRange) *ShadowController {
	if !r.Valid() {
		r = DefaultShadowRange
	}
	return &ShadowController{
		rangeDB: r,
		states:  make(map[string]*shadowState),
	}
}

func (c *ShadowController) state(deviceID string) *shadowState {
	s, ok := c.states[deviceID]
	if !ok {
		s = &shadowState{volumeDB: c.rangeDB.Clamp(0)}
		c.states[deviceID] = s
	}
	return s
}

// VolumeDB implements VolumeController.
func (c *ShadowController) VolumeDB(deviceID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(deviceID).volumeDB, nil
}

// SetVolumeDB implements VolumeController.
func (c *ShadowController) SetVolumeDB(deviceID string, db float64) error {
	c.mu.Lock()
	db = c.rangeDB.Clamp(db)
	c.state(deviceID).volumeDB = db
	onChange := c.OnChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(deviceID, db)
	}
	return nil
}

// VolumeRange implements VolumeController.
func (c *ShadowController) VolumeRange(deviceID string) (VolumeRange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rangeDB, nil
}

// Muted implements VolumeController.
func (c *ShadowController) Muted(deviceID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(deviceID).muted, nil
}

// SetMuted implements VolumeController.
func (c *ShadowController) SetMuted(deviceID string, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(deviceID).muted = muted
	return nil
}
