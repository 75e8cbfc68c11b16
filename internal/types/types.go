// Package types provides shared type definitions used across the monitor.
package types

import (
	"time"
)

// Device groups that can be metered. A group names the subset of devices
// the monitor currently creates capture sessions for.
const (
	GroupRecording = "recording"
	GroupPlayback  = "playback"
	GroupFavorites = "favorites"
)

// ValidGroup reports whether name is a known device group.
func ValidGroup(name string) bool {
	switch name {
	case GroupRecording, GroupPlayback, GroupFavorites:
		return true
	}
	return false
}

const (
	// SessionRestartDelay is the delay before restarting a faulted capture session.
	SessionRestartDelay = 3000 * time.Millisecond
	// DiagnosticsInterval is how often the metering service reports aggregate counters.
	DiagnosticsInterval = 5 * time.Minute
	// LevelTickInterval is the presentation-facing delivery rate (~30 Hz).
	LevelTickInterval = 33 * time.Millisecond
	// EnumerationTimeout bounds a device enumeration pass during load.
	EnumerationTimeout = 30000 * time.Millisecond
	// WatcherRegistrationTimeout bounds volume-watcher registration during load.
	WatcherRegistrationTimeout = 10000 * time.Millisecond
)

const (
	// EnforceHysteresisDB is the minimum dB delta before a frozen volume is
	// written back. Writing a volume raises a change notification, so a
	// smaller delta would loop through the device's own notification path.
	EnforceHysteresisDB = 0.1
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
)

// FrozenDevice is a persisted volume pin: the device and the dB level the
// enforcement engine restores after external drift.
type FrozenDevice struct {
	DeviceID string  `json:"device_id"` // Stable endpoint identifier
	Name     string  `json:"name"`      // Display name at freeze time, for ID-churn fallback
	TargetDB float64 `json:"target_db"` // Pinned volume in dB
	FrozenAt int64   `json:"frozen_at"` // Unix timestamp of creation
}

// MeterStatus contains runtime status for the metering service.
type MeterStatus struct {
	Enabled        bool   `json:"enabled"`         // Metering is switched on
	ActiveGroup    string `json:"active_group"`    // Currently metered device group
	ActiveSessions int    `json:"active_sessions"` // Number of live capture sessions
	RefreshCount   int64  `json:"refresh_count"`   // Completed refreshes since start
	ErrorCount     int64  `json:"error_count"`     // Capture errors since start
	LastError      string `json:"last_error,omitempty"`
}

// EnforceStatus contains runtime status for the volume enforcement engine.
type EnforceStatus struct {
	Paused       bool   `json:"paused"`        // Global pause flag
	FrozenCount  int    `json:"frozen_count"`  // Devices with a pinned volume
	EnforceCount int64  `json:"enforce_count"` // Write-backs performed since start
	LastDeviceID string `json:"last_device_id,omitempty"`
	LastEnforced int64  `json:"last_enforced,omitempty"` // Unix milliseconds of last write-back
}

// GraphConfig holds Microsoft Graph credentials for email alerts.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	FromAddress  string `json:"from_address,omitempty"`
	Recipients   string `json:"recipients,omitempty"` // Comma-separated
}

// SecretExpiryInfo describes the expiry state of an Azure AD client secret.
type SecretExpiryInfo struct {
	ExpiresAt   int64  `json:"expires_at,omitempty"` // Unix timestamp, 0 if unknown
	ExpiresSoon bool   `json:"expires_soon"`         // Within the warning window
	DaysLeft    int    `json:"days_left,omitempty"`
	Error       string `json:"error,omitempty"` // Lookup failure, informational only
}

// Diagnostics is the periodic self-report of the metering service.
type Diagnostics struct {
	Uptime         string  `json:"uptime"`
	RefreshCount   int64   `json:"refresh_count"`
	ErrorCount     int64   `json:"error_count"`
	ErrorRate      float64 `json:"error_rate"` // Errors per refresh
	ActiveSessions int     `json:"active_sessions"`
	HeapBytes      uint64  `json:"heap_bytes"` // Estimated live memory
}
