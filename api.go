package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/eventlog"
	"github.com/levelpin/levelpin/internal/metering"
	"github.com/levelpin/levelpin/internal/notify"
	"github.com/levelpin/levelpin/internal/types"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// parseJSON reads and parses JSON from request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := s.readJSON(r, &v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// apiKeyAuth returns middleware for API key authentication.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.GetAPIKey()
		if apiKey == "" {
			http.Error(w, "API key not configured", http.StatusServiceUnavailable)
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleAPIDevices returns the enumerated audio endpoints.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.deviceInfos(),
	})
}

// handleAPIStatus returns the full monitor status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, s.buildWSStatus())
}

// FreezeAPIRequest is the request body for POST /api/frozen.
type FreezeAPIRequest struct {
	DeviceID string   `json:"device_id"`
	TargetDB *float64 `json:"target_db"`
}

// handleAPIFrozen manages the frozen device set.
// GET /api/frozen lists, POST pins, DELETE ?device_id=xxx unpins.
func (s *Server) handleAPIFrozen(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"frozen": s.store.List(),
			"paused": s.engine.Paused(),
		})

	case http.MethodPost:
		req, ok := parseJSON[FreezeAPIRequest](s, w, r)
		if !ok {
			return
		}
		if req.DeviceID == "" {
			s.writeError(w, http.StatusBadRequest, "device_id is required")
			return
		}
		if req.TargetDB != nil && (*req.TargetDB < -96 || *req.TargetDB > 0) {
			s.writeError(w, http.StatusBadRequest, "target_db must be between -96 and 0")
			return
		}

		dev, err := s.resolveDevice(r.Context(), req.DeviceID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		fd, err := s.engine.Freeze(dev, req.TargetDB)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, fd)

	case http.MethodDelete:
		deviceID := r.URL.Query().Get("device_id")
		if deviceID == "" {
			s.writeError(w, http.StatusBadRequest, "device_id is required")
			return
		}
		if !s.engine.Unfreeze(deviceID) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("device %s is not frozen", deviceID))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// resolveDevice enumerates both directions and resolves a device reference.
func (s *Server) resolveDevice(ctx context.Context, query string) (*device.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, types.EnumerationTimeout)
	defer cancel()

	var all []device.Device
	for _, dir := range []device.Direction{device.Render, device.Capture} {
		devs, err := s.enum.List(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s devices: %w", dir, err)
		}
		all = append(all, devs...)
	}

	dev := metering.ResolveDevice(all, query)
	if dev == nil {
		return nil, fmt.Errorf("no device matches %q", query)
	}
	return dev, nil
}

// SettingsUpdateRequest is the request body for POST /api/settings.
// Only non-nil fields are applied.
type SettingsUpdateRequest struct {
	// Metering
	MeteringEnabled *bool   `json:"metering_enabled"`
	ActiveGroup     *string `json:"active_group"`

	// Enforcement
	EnforcePaused *bool `json:"enforce_paused"`

	// Silence detection
	SilenceThreshold  *float64 `json:"silence_threshold"`
	SilenceDurationMs *int64   `json:"silence_duration_ms"`
	SilenceRecoveryMs *int64   `json:"silence_recovery_ms"`

	// Webhook
	WebhookURL *string `json:"webhook_url"`

	// Log
	LogPath *string `json:"log_path"`

	// Zabbix
	ZabbixServer *string `json:"zabbix_server"`
	ZabbixPort   *int    `json:"zabbix_port"`
	ZabbixHost   *string `json:"zabbix_host"`
	ZabbixKey    *string `json:"zabbix_key"`

	// Email (Graph)
	GraphTenantID     *string `json:"graph_tenant_id"`
	GraphClientID     *string `json:"graph_client_id"`
	GraphClientSecret *string `json:"graph_client_secret"`
	GraphFromAddress  *string `json:"graph_from_address"`
	GraphRecipients   *string `json:"graph_recipients"`
}

// handleAPISettings updates settings atomically.
// POST /api/settings
func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	req, ok := parseJSON[SettingsUpdateRequest](s, w, r)
	if !ok {
		return
	}

	if err := s.applyMeterSettings(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.applySilenceSettings(&req); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.applyNotificationSettings(&req); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// applyMeterSettings applies metering and enforcement settings from the request.
func (s *Server) applyMeterSettings(req *SettingsUpdateRequest) error {
	if req.MeteringEnabled != nil {
		if err := s.config.SetMeteringEnabled(*req.MeteringEnabled); err != nil {
			return err
		}
		s.meter.SetEnabled(*req.MeteringEnabled)
	}
	if req.ActiveGroup != nil {
		if err := s.config.SetActiveGroup(*req.ActiveGroup); err != nil {
			return err
		}
		if err := s.meter.SetActiveGroup(*req.ActiveGroup); err != nil {
			return err
		}
	}
	if req.EnforcePaused != nil {
		if err := s.config.SetEnforcePaused(*req.EnforcePaused); err != nil {
			return err
		}
		s.engine.SetPaused(*req.EnforcePaused)
	}
	return nil
}

// applySilenceSettings applies silence detection settings from the request.
func (s *Server) applySilenceSettings(req *SettingsUpdateRequest) error {
	if req.SilenceThreshold != nil {
		if err := s.config.SetSilenceThreshold(*req.SilenceThreshold); err != nil {
			return err
		}
	}
	if req.SilenceDurationMs != nil {
		if err := s.config.SetSilenceDurationMs(*req.SilenceDurationMs); err != nil {
			return err
		}
	}
	if req.SilenceRecoveryMs != nil {
		if err := s.config.SetSilenceRecoveryMs(*req.SilenceRecoveryMs); err != nil {
			return err
		}
	}
	return nil
}

// applyNotificationSettings applies notification settings from the request.
func (s *Server) applyNotificationSettings(req *SettingsUpdateRequest) error {
	if req.WebhookURL != nil {
		if err := s.config.SetWebhookURL(*req.WebhookURL); err != nil {
			return err
		}
	}
	if req.LogPath != nil {
		if err := s.config.SetLogPath(*req.LogPath); err != nil {
			return err
		}
	}

	if req.ZabbixServer != nil || req.ZabbixPort != nil || req.ZabbixHost != nil || req.ZabbixKey != nil {
		cfg := s.config.Snapshot()
		server := cfg.ZabbixServer
		port := cfg.ZabbixPort
		host := cfg.ZabbixHost
		key := cfg.ZabbixKey
		if req.ZabbixServer != nil {
			server = *req.ZabbixServer
		}
		if req.ZabbixPort != nil {
			port = *req.ZabbixPort
		}
		if req.ZabbixHost != nil {
			host = *req.ZabbixHost
		}
		if req.ZabbixKey != nil {
			key = *req.ZabbixKey
		}
		if err := s.config.SetZabbixConfig(server, port, host, key); err != nil {
			return err
		}
	}

	graphChanged := req.GraphTenantID != nil || req.GraphClientID != nil ||
		req.GraphClientSecret != nil || req.GraphFromAddress != nil || req.GraphRecipients != nil
	if graphChanged {
		cfg := s.config.Snapshot()
		tenantID := cfg.GraphTenantID
		clientID := cfg.GraphClientID
		clientSecret := cfg.GraphClientSecret
		fromAddress := cfg.GraphFromAddress
		recipients := cfg.GraphRecipients
		if req.GraphTenantID != nil {
			tenantID = *req.GraphTenantID
		}
		if req.GraphClientID != nil {
			clientID = *req.GraphClientID
		}
		if req.GraphClientSecret != nil {
			clientSecret = *req.GraphClientSecret
		}
		if req.GraphFromAddress != nil {
			fromAddress = *req.GraphFromAddress
		}
		if req.GraphRecipients != nil {
			recipients = *req.GraphRecipients
		}
		if err := s.config.SetGraphConfig(tenantID, clientID, clientSecret, fromAddress, recipients); err != nil {
			return err
		}

		// Cached token and expiry info are stale after a credential change.
		s.notifier.InvalidateGraphClient()
		graphCfg := s.config.GraphConfig()
		s.expiry.UpdateConfig(&graphCfg)
	}

	return nil
}

// handleAPIEvents returns event log entries, newest first.
// GET /api/events?limit=100&offset=0&filter=all
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > eventlog.MaxReadLimit {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = n
	}

	var filter eventlog.TypeFilter
	switch r.URL.Query().Get("filter") {
	case "", "all":
		filter = eventlog.FilterAll
	case "capture":
		filter = eventlog.FilterCapture
	case "freeze":
		filter = eventlog.FilterFreeze
	case "silence":
		filter = eventlog.FilterSilence
	default:
		s.writeError(w, http.StatusBadRequest, "invalid filter")
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.events.Path(), limit, offset, filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
		"offset":   offset + len(events),
	})
}

// handleAPIRegenerateKey rotates the automation API key.
// POST /api/regenerate-key
func (s *Server) handleAPIRegenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	newKey, err := config.GenerateAPIKey()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.config.SetAPIKey(newKey); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"api_key": newKey,
	})
}

// Notification test endpoints. Each runs the send synchronously and
// reports the outcome so the frontend can surface it.

// handleAPITestWebhook sends a test webhook notification.
// POST /api/test/webhook
func (s *Server) handleAPITestWebhook(w http.ResponseWriter, r *http.Request) {
	s.runNotificationTest(w, r, "webhook", func(cfg config.Snapshot) error {
		return notify.SendTestWebhook(cfg.WebhookURL, cfg.MonitorName)
	})
}

// handleAPITestLog writes a test entry to the alert log.
// POST /api/test/log
func (s *Server) handleAPITestLog(w http.ResponseWriter, r *http.Request) {
	s.runNotificationTest(w, r, "log", func(cfg config.Snapshot) error {
		return notify.WriteTestLog(cfg.LogPath)
	})
}

// handleAPITestEmail sends a test email via Microsoft Graph.
// POST /api/test/email
func (s *Server) handleAPITestEmail(w http.ResponseWriter, r *http.Request) {
	s.runNotificationTest(w, r, "email", func(cfg config.Snapshot) error {
		return notify.SendTestEmail(notify.BuildGraphConfig(cfg), cfg.MonitorName)
	})
}

// handleAPITestZabbix sends a test value to the Zabbix server.
// POST /api/test/zabbix
func (s *Server) handleAPITestZabbix(w http.ResponseWriter, r *http.Request) {
	s.runNotificationTest(w, r, "zabbix", func(cfg config.Snapshot) error {
		return notify.SendTestZabbix(cfg.ZabbixServer, cfg.ZabbixPort, cfg.ZabbixHost, cfg.ZabbixKey)
	})
}

// runNotificationTest executes a notification test and writes the result.
func (s *Server) runNotificationTest(w http.ResponseWriter, r *http.Request, testType string, fn func(config.Snapshot) error) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := fn(s.config.Snapshot()); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":   false,
			"test_type": testType,
			"error":     err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"test_type": testType,
	})
}
