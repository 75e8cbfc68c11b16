package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/levelpin/levelpin/internal/util"
)

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event             string  `json:"event"`
	DeviceID          string  `json:"device_id,omitempty"`
	DeviceName        string  `json:"device_name,omitempty"`
	LevelDB           float64 `json:"level_db,omitempty"`
	ThresholdDB       float64 `json:"threshold_db,omitempty"`
	TargetDB          float64 `json:"target_db,omitempty"`
	ObservedDB        float64 `json:"observed_db,omitempty"`
	SilenceDurationMs int64   `json:"silence_duration_ms,omitempty"`
	Message           string  `json:"message,omitempty"`
	Timestamp         string  `json:"timestamp"`
}

// SendSilenceWebhook notifies the configured webhook that a device went silent.
func SendSilenceWebhook(webhookURL, deviceID, deviceName string, levelDB, threshold float64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:       "silence_detected",
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		LevelDB:     levelDB,
		ThresholdDB: threshold,
		Timestamp:   timestampUTC(),
	})
}

// SendRecoveryWebhook notifies the configured webhook that audio returned.
func SendRecoveryWebhook(webhookURL, deviceID, deviceName string, durationMs int64, levelDB, threshold float64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:             "silence_recovered",
		DeviceID:          deviceID,
		DeviceName:        deviceName,
		LevelDB:           levelDB,
		ThresholdDB:       threshold,
		SilenceDurationMs: durationMs,
		Timestamp:         timestampUTC(),
	})
}

// SendEnforceWebhook notifies the configured webhook of a corrective volume write.
func SendEnforceWebhook(webhookURL, deviceID, deviceName string, observedDB, targetDB float64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:      "volume_enforced",
		DeviceID:   deviceID,
		DeviceName: deviceName,
		ObservedDB: observedDB,
		TargetDB:   targetDB,
		Timestamp:  timestampUTC(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(webhookURL, monitorName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     "test",
		Message:   "This is a test notification from " + monitorName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
