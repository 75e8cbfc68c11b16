// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/levelpin/levelpin/internal/types"
	"github.com/levelpin/levelpin/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort           = 8080
	DefaultWebUsername       = "admin"
	DefaultWebPassword       = "levelpin"
	DefaultSilenceThreshold  = -40.0
	DefaultSilenceDurationMs = 15000 // 15 seconds in milliseconds
	DefaultSilenceRecoveryMs = 5000  // 5 seconds in milliseconds
	DefaultMonitorName       = "LevelPin"
	DefaultColorLight        = "#1F6FEB"
	DefaultColorDark         = "#388BFD"
	DefaultAlertCooldownMin  = 10 // Minutes between repeated enforcement alerts per device
	DefaultZabbixPort        = 10051
)

// Validation patterns define regular expressions for configuration value validation.
var (
	// Monitor name: any printable characters except control chars (blocks CRLF injection in emails)
	monitorNamePattern = regexp.MustCompile(`^[^\x00-\x1F\x7F]+$`)
	colorPattern       = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port     int    `json:"port"`              // HTTP server port
	Username string `json:"username"`          // Login username
	Password string `json:"password"`          // Login password
	APIKey   string `json:"api_key,omitempty"` // Key for unattended REST access
}

// WebConfig holds branding settings for the web UI.
type WebConfig struct {
	MonitorName string `json:"monitor_name"` // Display name
	ColorLight  string `json:"color_light"`  // Theme color for light mode (#RRGGBB)
	ColorDark   string `json:"color_dark"`   // Theme color for dark mode (#RRGGBB)
}

// MeteringConfig holds the metering service's persisted state.
type MeteringConfig struct {
	Enabled     bool     `json:"enabled"`      // Metering on/off
	ActiveGroup string   `json:"active_group"` // recording, playback or favorites
	Favorites   []string `json:"favorites"`    // Device IDs or name queries
}

// SilenceDetectionConfig holds silence detection thresholds and timing parameters.
type SilenceDetectionConfig struct {
	ThresholdDB float64 `json:"threshold_db"` // Silence threshold in dB
	DurationMs  int64   `json:"duration_ms"`  // Duration below threshold before silence alert
	RecoveryMs  int64   `json:"recovery_ms"`  // Duration above threshold before recovery
}

// FrozenConfig holds the persisted enforcement state.
type FrozenConfig struct {
	Paused  bool                 `json:"paused"`  // Enforcement paused
	Devices []types.FrozenDevice `json:"devices"` // Pinned endpoints
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url"` // Webhook URL for alerts
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path"` // Log file path for alert events
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id"`     // Azure AD tenant ID
	ClientID     string `json:"client_id"`     // App registration client ID
	ClientSecret string `json:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address"`  // Shared mailbox sender address
	Recipients   string `json:"recipients"`    // Comma-separated recipient addresses
}

// ZabbixConfig holds Zabbix sender settings.
type ZabbixConfig struct {
	Server string `json:"server"` // Zabbix server or proxy host
	Port   int    `json:"port"`   // Trapper port
	Host   string `json:"host"`   // Monitored host name in Zabbix
	Key    string `json:"key"`    // Trapper item key
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook            WebhookConfig `json:"webhook"`
	Log                LogConfig     `json:"log"`
	Email              EmailConfig   `json:"email"`
	Zabbix             ZabbixConfig  `json:"zabbix"`
	AlertCooldownMin   int           `json:"alert_cooldown_min"`  // Per-device cooldown for enforcement alerts
	EnforcementAlerts  bool          `json:"enforcement_alerts"`  // Alert on corrective volume writes
	SilenceAlerts      bool          `json:"silence_alerts"`      // Alert on silence detection
}

// ArchiveConfig holds S3 settings for shipping rotated event logs.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Prefix          string `json:"prefix"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System           SystemConfig           `json:"system"`
	Web              WebConfig              `json:"web"`
	Metering         MeteringConfig         `json:"metering"`
	SilenceDetection SilenceDetectionConfig `json:"silence_detection"`
	Frozen           FrozenConfig           `json:"frozen"`
	Notifications    NotificationsConfig    `json:"notifications"`
	Archive          ArchiveConfig          `json:"archive"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			Port:     DefaultWebPort,
			Username: DefaultWebUsername,
			Password: DefaultWebPassword,
		},
		Web: WebConfig{
			MonitorName: DefaultMonitorName,
			ColorLight:  DefaultColorLight,
			ColorDark:   DefaultColorDark,
		},
		Metering: MeteringConfig{
			ActiveGroup: types.GroupRecording,
			Favorites:   []string{},
		},
		Frozen: FrozenConfig{
			Devices: []types.FrozenDevice{},
		},
		Notifications: NotificationsConfig{
			SilenceAlerts: true,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()
	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	name := c.Web.MonitorName
	if name == "" || len(name) > 30 || !monitorNamePattern.MatchString(name) {
		return fmt.Errorf("invalid monitor_name %q: must be 1-30 printable characters", name)
	}
	if !colorPattern.MatchString(c.Web.ColorLight) {
		return fmt.Errorf("invalid color_light %q: must be hex format (#RRGGBB)", c.Web.ColorLight)
	}
	if !colorPattern.MatchString(c.Web.ColorDark) {
		return fmt.Errorf("invalid color_dark %q: must be hex format (#RRGGBB)", c.Web.ColorDark)
	}
	if !types.ValidGroup(c.Metering.ActiveGroup) {
		return fmt.Errorf("invalid active_group %q", c.Metering.ActiveGroup)
	}
	if t := c.SilenceDetection.ThresholdDB; t != 0 && (t < -96 || t > 0) {
		return fmt.Errorf("invalid threshold_db %v: must be between -96 and 0", t)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	if c.System.Username == "" {
		c.System.Username = DefaultWebUsername
	}
	if c.System.Password == "" {
		c.System.Password = DefaultWebPassword
	}
	if c.Web.MonitorName == "" {
		c.Web.MonitorName = DefaultMonitorName
	}
	if c.Web.ColorLight == "" {
		c.Web.ColorLight = DefaultColorLight
	}
	if c.Web.ColorDark == "" {
		c.Web.ColorDark = DefaultColorDark
	}
	if c.Metering.ActiveGroup == "" {
		c.Metering.ActiveGroup = types.GroupRecording
	}
	if c.Metering.Favorites == nil {
		c.Metering.Favorites = []string{}
	}
	if c.Frozen.Devices == nil {
		c.Frozen.Devices = []types.FrozenDevice{}
	}
	for i := range c.Frozen.Devices {
		if c.Frozen.Devices[i].FrozenAt == 0 {
			c.Frozen.Devices[i].FrozenAt = time.Now().UnixMilli()
		}
	}
	if c.Notifications.Zabbix.Port == 0 {
		c.Notifications.Zabbix.Port = DefaultZabbixPort
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}
	return nil
}

// --- Getters ---

// GetAPIKey returns the key for unattended REST access.
func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// FrozenDevices returns a copy of the persisted frozen set.
func (c *Config) FrozenDevices() []types.FrozenDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.Frozen.Devices)
}

// GraphConfig returns a copy of the current Graph/Email configuration.
func (c *Config) GraphConfig() types.GraphConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.GraphConfig{
		TenantID:     c.Notifications.Email.TenantID,
		ClientID:     c.Notifications.Email.ClientID,
		ClientSecret: c.Notifications.Email.ClientSecret,
		FromAddress:  c.Notifications.Email.FromAddress,
		Recipients:   c.Notifications.Email.Recipients,
	}
}

// --- Setters ---

// SetMeteringEnabled persists the metering on/off flag.
func (c *Config) SetMeteringEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metering.Enabled = enabled
	return c.saveLocked()
}

// SetActiveGroup persists the metered device group.
func (c *Config) SetActiveGroup(group string) error {
	if !types.ValidGroup(group) {
		return fmt.Errorf("invalid active_group %q", group)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metering.ActiveGroup = group
	return c.saveLocked()
}

// SetAPIKey persists the key for unattended REST access.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.System.APIKey = key
	return c.saveLocked()
}

// SetFavorites persists the favorites list.
func (c *Config) SetFavorites(favorites []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metering.Favorites = slices.Clone(favorites)
	return c.saveLocked()
}

// SetFrozenDevices persists the frozen set. Called by the enforcement
// store's change hook.
func (c *Config) SetFrozenDevices(devices []types.FrozenDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frozen.Devices = slices.Clone(devices)
	return c.saveLocked()
}

// SetEnforcePaused persists the enforcement pause flag.
func (c *Config) SetEnforcePaused(paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frozen.Paused = paused
	return c.saveLocked()
}

// SetSilenceThreshold updates the silence detection threshold and saves.
func (c *Config) SetSilenceThreshold(threshold float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SilenceDetection.ThresholdDB = threshold
	return c.saveLocked()
}

// SetSilenceDurationMs updates the silence duration and saves.
func (c *Config) SetSilenceDurationMs(ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SilenceDetection.DurationMs = ms
	return c.saveLocked()
}

// SetSilenceRecoveryMs updates the silence recovery time and saves.
func (c *Config) SetSilenceRecoveryMs(ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SilenceDetection.RecoveryMs = ms
	return c.saveLocked()
}

// SetWebhookURL updates the webhook URL and saves.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Webhook.URL = url
	return c.saveLocked()
}

// SetLogPath updates the alert log file path and saves. An empty path
// disables the log channel.
func (c *Config) SetLogPath(path string) error {
	if path != "" {
		if err := util.ValidatePath("log_path", path); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Log.Path = path
	return c.saveLocked()
}

// SetGraphConfig updates all Microsoft Graph/Email fields and saves.
func (c *Config) SetGraphConfig(tenantID, clientID, clientSecret, fromAddress, recipients string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Email.TenantID = tenantID
	c.Notifications.Email.ClientID = clientID
	c.Notifications.Email.ClientSecret = clientSecret
	c.Notifications.Email.FromAddress = fromAddress
	c.Notifications.Email.Recipients = recipients
	return c.saveLocked()
}

// SetZabbixConfig updates all Zabbix fields and saves.
func (c *Config) SetZabbixConfig(server string, port int, host, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Zabbix.Server = server
	if port == 0 {
		port = DefaultZabbixPort
	}
	c.Notifications.Zabbix.Port = port
	c.Notifications.Zabbix.Host = host
	c.Notifications.Zabbix.Key = key
	return c.saveLocked()
}

// SetArchiveConfig updates the S3 archive settings and saves.
func (c *Config) SetArchiveConfig(a ArchiveConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Archive = a
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort     int
	WebUser     string
	WebPassword string
	APIKey      string

	// Web/Branding
	MonitorName string
	ColorLight  string
	ColorDark   string

	// Metering
	MeteringEnabled bool
	ActiveGroup     string
	Favorites       []string

	// Silence Detection
	SilenceThreshold  float64
	SilenceDurationMs int64
	SilenceRecoveryMs int64

	// Enforcement
	EnforcePaused bool
	FrozenDevices []types.FrozenDevice

	// Notifications
	WebhookURL        string
	LogPath           string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string
	ZabbixServer      string
	ZabbixPort        int
	ZabbixHost        string
	ZabbixKey         string
	AlertCooldownMin  int
	EnforcementAlerts bool
	SilenceAlerts     bool

	// Archive
	Archive ArchiveConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		WebPort:     c.System.Port,
		WebUser:     c.System.Username,
		WebPassword: c.System.Password,
		APIKey:      c.System.APIKey,

		MonitorName: c.Web.MonitorName,
		ColorLight:  c.Web.ColorLight,
		ColorDark:   c.Web.ColorDark,

		MeteringEnabled: c.Metering.Enabled,
		ActiveGroup:     cmp.Or(c.Metering.ActiveGroup, types.GroupRecording),
		Favorites:       slices.Clone(c.Metering.Favorites),

		SilenceThreshold:  cmp.Or(c.SilenceDetection.ThresholdDB, DefaultSilenceThreshold),
		SilenceDurationMs: cmp.Or(c.SilenceDetection.DurationMs, DefaultSilenceDurationMs),
		SilenceRecoveryMs: cmp.Or(c.SilenceDetection.RecoveryMs, DefaultSilenceRecoveryMs),

		EnforcePaused: c.Frozen.Paused,
		FrozenDevices: slices.Clone(c.Frozen.Devices),

		WebhookURL:        c.Notifications.Webhook.URL,
		LogPath:           c.Notifications.Log.Path,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,
		ZabbixServer:      c.Notifications.Zabbix.Server,
		ZabbixPort:        cmp.Or(c.Notifications.Zabbix.Port, DefaultZabbixPort),
		ZabbixHost:        c.Notifications.Zabbix.Host,
		ZabbixKey:         c.Notifications.Zabbix.Key,
		AlertCooldownMin:  cmp.Or(c.Notifications.AlertCooldownMin, DefaultAlertCooldownMin),
		EnforcementAlerts: c.Notifications.EnforcementAlerts,
		SilenceAlerts:     c.Notifications.SilenceAlerts,

		Archive: c.Archive,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return s.GraphTenantID != "" && s.GraphClientID != "" && s.GraphClientSecret != "" &&
		s.GraphFromAddress != "" && s.GraphRecipients != ""
}

// HasLogPath reports whether an alert log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// HasZabbix reports whether Zabbix notifications are configured.
func (s *Snapshot) HasZabbix() bool {
	return s.ZabbixServer != "" && s.ZabbixHost != "" && s.ZabbixKey != ""
}

// HasArchive reports whether S3 archive uploads are configured.
func (s *Snapshot) HasArchive() bool {
	return s.Archive.Bucket != "" && s.Archive.AccessKeyID != "" && s.Archive.SecretAccessKey != ""
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
