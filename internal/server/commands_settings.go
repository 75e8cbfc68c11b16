package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/metering"
	"github.com/levelpin/levelpin/internal/types"
)

// --- Metering handlers ---

// handleMeterUpdate processes a meter/update command.
func (h *CommandHandler) handleMeterUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *MeterUpdateRequest) error {
		if req.Enabled != nil {
			slog.Info("meter/update: changing metering state", "enabled", *req.Enabled)
			if err := h.cfg.SetMeteringEnabled(*req.Enabled); err != nil {
				return err
			}
			h.meter.SetEnabled(*req.Enabled)
		}

		if req.Group != "" {
			slog.Info("meter/update: changing device group", "group", req.Group)
			if err := h.cfg.SetActiveGroup(req.Group); err != nil {
				return err
			}
			if err := h.meter.SetActiveGroup(req.Group); err != nil {
				return err
			}
		}

		return nil
	})
}

// handleFavoritesUpdate processes a meter/favorites command.
func (h *CommandHandler) handleFavoritesUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *FavoritesUpdateRequest) error {
		if err := h.cfg.SetFavorites(req.Favorites); err != nil {
			return err
		}

		// Re-enumerate if the favorites group is currently metered
		if h.meter.ActiveGroup() == types.GroupFavorites {
			h.meter.Refresh()
		}
		return nil
	})
}

// handleMeterRefresh processes a meter/refresh command.
func (h *CommandHandler) handleMeterRefresh(cmd WSCommand, send chan<- any) {
	h.meter.Refresh()
	SendSuccess(send, cmd.Type, nil)
}

// --- Freeze handlers ---

// handleFreezeAdd processes a freeze/add command. The device reference may
// be an endpoint ID or a name query; resolution runs asynchronously because
// it enumerates devices.
func (h *CommandHandler) handleFreezeAdd(cmd WSCommand, send chan<- any) {
	var req FreezeRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), types.EnumerationTimeout)
		defer cancel()

		dev, err := h.resolveDevice(ctx, req.DeviceID)
		if err != nil {
			return nil, err
		}

		fd, err := h.engine.Freeze(dev, req.TargetDB)
		if err != nil {
			return nil, err
		}

		slog.Info("freeze/add: device pinned", "device", fd.DeviceID, "target_db", fd.TargetDB)
		return fd, nil
	})
}

// handleFreezeRemove processes a freeze/remove command.
func (h *CommandHandler) handleFreezeRemove(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *UnfreezeRequest) error {
		if !h.engine.Unfreeze(req.DeviceID) {
			return fmt.Errorf("device %s is not frozen", req.DeviceID)
		}
		slog.Info("freeze/remove: device unpinned", "device", req.DeviceID)
		return nil
	})
}

// handleEnforcePause processes freeze/pause and freeze/resume commands.
func (h *CommandHandler) handleEnforcePause(cmd WSCommand, send chan<- any, paused bool) {
	if err := h.cfg.SetEnforcePaused(paused); err != nil {
		SendError(send, cmd.Type, err)
		return
	}
	h.engine.SetPaused(paused)
	SendSuccess(send, cmd.Type, nil)
}

// resolveDevice enumerates both directions and resolves a device reference.
func (h *CommandHandler) resolveDevice(ctx context.Context, query string) (*device.Device, error) {
	var all []device.Device
	for _, dir := range []device.Direction{device.Render, device.Capture} {
		devs, err := h.enum.List(ctx, dir)
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

// --- Silence detection handlers ---

// handleSilenceUpdate processes a silence/update command.
func (h *CommandHandler) handleSilenceUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *SilenceUpdateRequest) error {
		if req.ThresholdDB != nil {
			if err := h.cfg.SetSilenceThreshold(*req.ThresholdDB); err != nil {
				return err
			}
		}
		if req.DurationMs != nil {
			if err := h.cfg.SetSilenceDurationMs(*req.DurationMs); err != nil {
				return err
			}
		}
		if req.RecoveryMs != nil {
			if err := h.cfg.SetSilenceRecoveryMs(*req.RecoveryMs); err != nil {
				return err
			}
		}
		// Running sessions pick up the new thresholds on the next tick
		return nil
	})
}

// --- Notification handlers ---

// handleWebhookUpdate processes a notifications/webhook/update command.
func (h *CommandHandler) handleWebhookUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *WebhookUpdateRequest) error {
		return h.cfg.SetWebhookURL(req.URL)
	})
}

// handleLogUpdate processes a notifications/log/update command.
func (h *CommandHandler) handleLogUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *LogUpdateRequest) error {
		return h.cfg.SetLogPath(req.Path)
	})
}

// handleEmailUpdate processes a notifications/email/update command.
func (h *CommandHandler) handleEmailUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *EmailUpdateRequest) error {
		if err := h.cfg.SetGraphConfig(
			req.TenantID,
			req.ClientID,
			req.ClientSecret,
			req.FromAddress,
			req.Recipients,
		); err != nil {
			return err
		}
		h.notifier.InvalidateGraphClient()
		return nil
	})
}

// handleZabbixUpdate processes a notifications/zabbix/update command.
func (h *CommandHandler) handleZabbixUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *ZabbixUpdateRequest) error {
		return h.cfg.SetZabbixConfig(req.Server, req.Port, req.Host, req.Key)
	})
}

// --- Config handler ---

// handleConfigGet processes a config/get command.
func (h *CommandHandler) handleConfigGet(send chan<- any) {
	snap := h.cfg.Snapshot()

	// Secrets are never echoed back to the client
	cfg := map[string]any{
		"monitor_name":        snap.MonitorName,
		"color_light":         snap.ColorLight,
		"color_dark":          snap.ColorDark,
		"metering_enabled":    snap.MeteringEnabled,
		"active_group":        snap.ActiveGroup,
		"favorites":           snap.Favorites,
		"silence_threshold":   snap.SilenceThreshold,
		"silence_duration_ms": snap.SilenceDurationMs,
		"silence_recovery_ms": snap.SilenceRecoveryMs,
		"enforce_paused":      snap.EnforcePaused,
		"webhook_url":         snap.WebhookURL,
		"log_path":            snap.LogPath,
		"graph_tenant_id":     snap.GraphTenantID,
		"graph_client_id":     snap.GraphClientID,
		"graph_from_address":  snap.GraphFromAddress,
		"graph_recipients":    snap.GraphRecipients,
		"zabbix_server":       snap.ZabbixServer,
		"zabbix_port":         snap.ZabbixPort,
		"zabbix_host":         snap.ZabbixHost,
		"zabbix_key":          snap.ZabbixKey,
		"archive_endpoint":    snap.Archive.Endpoint,
		"archive_bucket":      snap.Archive.Bucket,
		"archive_prefix":      snap.Archive.Prefix,
	}

	SendData(send, types.WSConfigResponse{Type: "config", Config: cfg})
}
