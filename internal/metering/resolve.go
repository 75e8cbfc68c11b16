package metering

import (
	"strings"

	"github.com/levelpin/levelpin/internal/device"
)

// ResolveDevice finds the device a user-supplied query refers to. Matching
// is tried from most to least specific: exact ID, exact name, name
// substring, then first word of the name. Name comparisons are
// case-insensitive. Returns nil when nothing matches.
func ResolveDevice(devices []device.Device, query string) *device.Device {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	for i := range devices {
		if devices[i].ID == query {
			return &devices[i]
		}
	}

	lower := strings.ToLower(query)
	for i := range devices {
		if strings.ToLower(devices[i].Name) == lower {
			return &devices[i]
		}
	}

	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), lower) {
			return &devices[i]
		}
	}

	// Last resort: match on the query's first word, so "Speakers (Realtek
	// High Definition Audio)" still resolves after a driver rename.
	word := lower
	if idx := strings.IndexAny(word, " ("); idx > 0 {
		word = word[:idx]
	}
	if word != lower && word != "" {
		for i := range devices {
			if strings.Contains(strings.ToLower(devices[i].Name), word) {
				return &devices[i]
			}
		}
	}
	return nil
}

// isPlaceholderName reports whether an enumerated name is one of the
// transient stand-ins some drivers report mid-arrival. Metering such an
// entry produces a dead session that a later refresh has to clean up.
func isPlaceholderName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return true
	}
	lower := strings.ToLower(name)
	return lower == "unknown" || lower == "unknown device" ||
		strings.HasPrefix(lower, "placeholder")
}
