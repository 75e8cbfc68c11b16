package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/levelpin/levelpin/internal/notify"
	"github.com/levelpin/levelpin/internal/types"
)

// runTest dispatches to the appropriate notification test.
func (h *CommandHandler) runTest(testType string) error {
	snap := h.cfg.Snapshot()

	switch testType {
	case "webhook":
		return notify.SendTestWebhook(snap.WebhookURL, snap.MonitorName)
	case "log":
		return notify.WriteTestLog(snap.LogPath)
	case "email":
		return notify.SendTestEmail(notify.BuildGraphConfig(snap), snap.MonitorName)
	case "zabbix":
		return notify.SendTestZabbix(snap.ZabbixServer, snap.ZabbixPort, snap.ZabbixHost, snap.ZabbixKey)
	default:
		return fmt.Errorf("unknown test type: %s", testType)
	}
}

// handleTest executes a notification test and sends the result to the client.
// testCmd should be in format "test_<type>" (e.g., "test_email", "test_webhook").
func (h *CommandHandler) handleTest(send chan<- interface{}, testCmd string) {
	testType := strings.TrimPrefix(testCmd, "test_")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in test handler", "command", testCmd, "panic", r)
			}
		}()

		result := types.WSTestResult{
			Type:     "test_result",
			TestType: testType,
			Success:  true,
		}

		if err := h.runTest(testType); err != nil {
			slog.Error("test failed", "command", testCmd, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			slog.Info("test succeeded", "command", testCmd)
		}

		// Send via channel (non-blocking to prevent goroutine leak if channel is closed)
		select {
		case send <- result:
		default:
			slog.Warn("failed to send test response: channel full or closed", "command", testCmd)
		}
	}()
}

// wsAlertLogResult is the response for notifications/log/view.
type wsAlertLogResult struct {
	Type    string                 `json:"type"` // "alert_log_result"
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Path    string                 `json:"path,omitempty"`
	Entries []notify.AlertLogEntry `json:"entries,omitempty"`
}

// handleViewAlertLog reads and returns the alert log file contents.
func (h *CommandHandler) handleViewAlertLog(send chan<- interface{}) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in alert log handler", "panic", r)
			}
		}()

		result := wsAlertLogResult{
			Type:    "alert_log_result",
			Success: true,
		}

		logPath := h.cfg.Snapshot().LogPath
		if logPath == "" {
			result.Success = false
			result.Error = "Log file path not configured"
		} else {
			entries, err := readAlertLog(logPath, MaxLogEntries)
			if err != nil {
				result.Success = false
				result.Error = err.Error()
			} else {
				result.Entries = entries
				result.Path = logPath
			}
		}

		// Send via channel (non-blocking to prevent goroutine leak if channel is closed)
		select {
		case send <- result:
		default:
			slog.Warn("failed to send alert log response: channel full or closed")
		}
	}()
}

// readAlertLog reads the last N entries from the alert log file.
func readAlertLog(logPath string, maxEntries int) ([]notify.AlertLogEntry, error) {
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return []notify.AlertLogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return []notify.AlertLogEntry{}, nil
	}

	start := max(0, len(lines)-maxEntries)
	lines = lines[start:]

	entries := make([]notify.AlertLogEntry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var entry notify.AlertLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // Skip malformed entries
		}
		entries = append(entries, entry)
	}

	// Reverse to show newest first
	slices.Reverse(entries)

	return entries, nil
}
