// Package enforce pins frozen endpoints to their target volume by undoing
// external volume changes.
package enforce

import (
	"sort"
	"sync"
	"time"

	"github.com/levelpin/levelpin/internal/types"
)

// Store holds the set of frozen devices.
type Store interface {
	List() []types.FrozenDevice
	Get(deviceID string) (types.FrozenDevice, bool)
	Put(fd types.FrozenDevice)
	Remove(deviceID string) bool
}

// MemoryStore is the in-memory Store. OnChange, when set, is called with a
// full snapshot after every mutation so callers can persist the set.
type MemoryStore struct {
	mu       sync.RWMutex
	frozen   map[string]types.FrozenDevice
	OnChange func([]types.FrozenDevice)
}

// NewMemoryStore creates a store seeded with the given devices.
func NewMemoryStore(seed []types.FrozenDevice) *MemoryStore {
	s := &MemoryStore{frozen: make(map[string]types.FrozenDevice, len(seed))}
	for _, fd := range seed {
		s.frozen[fd.DeviceID] = fd
	}
	return s
}

// List implements Store. Entries are sorted by freeze time, oldest first.
func (s *MemoryStore) List() []types.FrozenDevice {
	s.mu.RLock()
	out := make([]types.FrozenDevice, 0, len(s.frozen))
	for _, fd := range s.frozen {
		out = append(out, fd)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FrozenAt != out[j].FrozenAt {
			return out[i].FrozenAt < out[j].FrozenAt
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Get implements Store.
func (s *MemoryStore) Get(deviceID string) (types.FrozenDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fd, ok := s.frozen[deviceID]
	return fd, ok
}

// Put implements Store.
func (s *MemoryStore) Put(fd types.FrozenDevice) {
	if fd.FrozenAt == 0 {
		fd.FrozenAt = time.Now().UnixMilli()
	}
	s.mu.Lock()
	s.frozen[fd.DeviceID] = fd
	s.mu.Unlock()
	s.notify()
}

// Remove implements Store. It reports whether the device was frozen.
func (s *MemoryStore) Remove(deviceID string) bool {
	s.mu.Lock()
	_, ok := s.frozen[deviceID]
	delete(s.frozen, deviceID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *MemoryStore) notify() {
	if s.OnChange != nil {
		s.OnChange(s.List())
	}
}
