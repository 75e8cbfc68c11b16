package types

// WSConfigResponse is sent in response to config/get.
// Contains the full configuration without runtime state.
type WSConfigResponse struct {
	Type   string `json:"type"` // "config"
	Config any    `json:"config"`
}

// WSCommandResult is the standard response for command execution.
// Used by slash-style commands (meter/update, freeze/add, etc.)
type WSCommandResult struct {
	Type    string           `json:"type"`            // "<command>_result"
	Success bool             `json:"success"`         // true if command succeeded
	Error   *ValidationError `json:"error,omitempty"` // Validation errors if failed
	Data    any              `json:"data,omitempty"`  // Optional response data
}

// DeviceLevels is one device's current meter readings pushed to clients.
type DeviceLevels struct {
	DeviceID          string  `json:"device_id"`
	Name              string  `json:"name,omitempty"`
	Peak              float64 `json:"peak"`       // Mono peak, 0..1
	RMS               float64 `json:"rms"`        // Mono RMS, 0..1
	PeakLeft          float64 `json:"peak_left"`  // Stereo peak, 0..1
	PeakRight         float64 `json:"peak_right"` // Stereo peak, 0..1
	HeldPeakDB        float64 `json:"held_peak_db"`
	RMSDB             float64 `json:"rms_db"`
	Silence           bool    `json:"silence,omitzero"`
	SilenceDurationMs int64   `json:"silence_duration_ms,omitzero"`
}

// WSLevelsResponse is sent to clients with per-device level updates.
type WSLevelsResponse struct {
	Type    string         `json:"type"` // "levels"
	Devices []DeviceLevels `json:"devices"`
}

// WSStatusResponse is sent to clients with full monitor status.
type WSStatusResponse struct {
	Type              string            `json:"type"` // "status"
	Meter             MeterStatus       `json:"meter"`
	Enforce           EnforceStatus     `json:"enforce"`
	LoadState         string            `json:"load_state"`
	Devices           []DeviceInfo      `json:"devices"`
	Frozen            []FrozenDevice    `json:"frozen"`
	SilenceThreshold  float64           `json:"silence_threshold"`
	SilenceDurationMs int64             `json:"silence_duration_ms"`
	SilenceRecoveryMs int64             `json:"silence_recovery_ms"`
	AlertWebhook      string            `json:"alert_webhook"`
	AlertLogPath      string            `json:"alert_log_path"`
	ZabbixServer      string            `json:"zabbix_server,omitempty"`
	ZabbixPort        int               `json:"zabbix_port,omitempty"`
	ZabbixHost        string            `json:"zabbix_host,omitempty"`
	ZabbixKey         string            `json:"zabbix_key,omitempty"`
	GraphTenantID     string            `json:"graph_tenant_id"`
	GraphClientID     string            `json:"graph_client_id"`
	GraphFromAddress  string            `json:"graph_from_address"`
	GraphRecipients   string            `json:"graph_recipients"`
	GraphSecretExpiry *SecretExpiryInfo `json:"graph_secret_expiry,omitempty"`
	Settings          WSSettings        `json:"settings"`
	Version           VersionInfo       `json:"version"`
}

// WSSettings contains the settings sub-object in status responses.
type WSSettings struct {
	ActiveGroup string `json:"active_group"` // Currently metered device group
	Platform    string `json:"platform"`     // Operating system platform
}

// DeviceInfo is the wire representation of an enumerated audio endpoint.
type DeviceInfo struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Direction string  `json:"direction"` // "capture" or "render"
	Channels  int     `json:"channels"`
	MinDB     float64 `json:"min_db"`
	MaxDB     float64 `json:"max_db"`
	StepDB    float64 `json:"step_db"`
	Muted     bool    `json:"muted"`
	Default   bool    `json:"default,omitzero"`
	Frozen    bool    `json:"frozen,omitzero"`
	Meterable bool    `json:"meterable"` // False for >2-channel and placeholder endpoints
}

// WSTestResult is sent to clients after a test operation completes.
type WSTestResult struct {
	Type     string `json:"type"`            // Message type identifier
	TestType string `json:"test_type"`       // Type of test performed
	Success  bool   `json:"success"`         // Test succeeded
	Error    string `json:"error,omitempty"` // Error message if failed
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
