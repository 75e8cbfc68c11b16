package server

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/enforce"
	"github.com/levelpin/levelpin/internal/eventlog"
	"github.com/levelpin/levelpin/internal/metering"
	"github.com/levelpin/levelpin/internal/notify"
)

// MaxLogEntries is the maximum number of alert log entries returned to a client.
const MaxLogEntries = 100

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg      *config.Config
	meter    *metering.Service
	engine   *enforce.Engine
	enum     device.Enumerator
	notifier *notify.AlertNotifier
	events   *eventlog.Logger
	archiver *eventlog.Archiver
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, meter *metering.Service, engine *enforce.Engine,
	enum device.Enumerator, notifier *notify.AlertNotifier, events *eventlog.Logger,
	archiver *eventlog.Archiver) *CommandHandler {
	return &CommandHandler{
		cfg:      cfg,
		meter:    meter,
		engine:   engine,
		enum:     enum,
		notifier: notifier,
		events:   events,
		archiver: archiver,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "meter/update", "freeze/add")
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	// Parse command into namespace and action
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "meter":
		h.handleMeter(action, cmd, send)
	case "freeze":
		h.handleFreeze(action, cmd, send)
	case "silence":
		h.handleSilence(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, subaction, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "archive":
		h.handleArchive(action, cmd, send)
	case "config":
		h.handleConfig(action, send)
	case "status":
		h.handleStatus(action, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleMeter routes meter/* commands
func (h *CommandHandler) handleMeter(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleMeterUpdate(cmd, send)
	case "favorites":
		h.handleFavoritesUpdate(cmd, send)
	case "refresh":
		h.handleMeterRefresh(cmd, send)
	default:
		slog.Warn("unknown meter action", "action", action)
	}
}

// handleFreeze routes freeze/* commands
func (h *CommandHandler) handleFreeze(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "add":
		h.handleFreezeAdd(cmd, send)
	case "remove":
		h.handleFreezeRemove(cmd, send)
	case "pause":
		h.handleEnforcePause(cmd, send, true)
	case "resume":
		h.handleEnforcePause(cmd, send, false)
	default:
		slog.Warn("unknown freeze action", "action", action)
	}
}

// handleSilence routes silence/* commands
func (h *CommandHandler) handleSilence(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleSilenceUpdate(cmd, send)
	default:
		slog.Warn("unknown silence action", "action", action)
	}
}

// handleNotifications routes notifications/*/* commands
func (h *CommandHandler) handleNotifications(action, subaction string, cmd WSCommand, send chan<- any) {
	switch action {
	case "webhook":
		switch subaction {
		case "update":
			h.handleWebhookUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_webhook")
		default:
			slog.Warn("unknown webhook action", "subaction", subaction)
		}
	case "log":
		switch subaction {
		case "update":
			h.handleLogUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_log")
		case "view":
			h.handleViewAlertLog(send)
		default:
			slog.Warn("unknown log action", "subaction", subaction)
		}
	case "email":
		switch subaction {
		case "update":
			h.handleEmailUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_email")
		default:
			slog.Warn("unknown email action", "subaction", subaction)
		}
	case "zabbix":
		switch subaction {
		case "update":
			h.handleZabbixUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_zabbix")
		default:
			slog.Warn("unknown zabbix action", "subaction", subaction)
		}
	default:
		slog.Warn("unknown notifications action", "action", action)
	}
}

// handleEvents routes events/* commands
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "view":
		h.handleEventsView(cmd, send)
	default:
		slog.Warn("unknown events action", "action", action)
	}
}

// handleArchive routes archive/* commands
func (h *CommandHandler) handleArchive(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleArchiveUpdate(cmd, send)
	case "test-s3":
		h.handleArchiveTestS3(cmd, send)
	case "upload-now":
		h.handleArchiveUploadNow(cmd, send)
	default:
		slog.Warn("unknown archive action", "action", action)
	}
}

// handleConfig routes config/* commands
func (h *CommandHandler) handleConfig(action string, send chan<- any) {
	switch action {
	case "get":
		h.handleConfigGet(send)
	default:
		slog.Warn("unknown config action", "action", action)
	}
}

// handleStatus routes status/* commands
func (h *CommandHandler) handleStatus(action string, send chan<- any) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
