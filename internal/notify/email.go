package notify

import (
	"fmt"

	"github.com/levelpin/levelpin/internal/types"
	"github.com/levelpin/levelpin/internal/util"
)

// GraphConfig is the configuration for email notifications.
type GraphConfig = types.GraphConfig

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(cfg *GraphConfig, monitorName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	// Validate authentication first
	if err := client.ValidateAuth(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + monitorName
	body := fmt.Sprintf(
		"Test email from the audio level monitor.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		util.HumanTime(),
	)

	recipients := ParseRecipients(cfg.Recipients)
	if err := client.SendMail(recipients, subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	return nil
}

// silenceEmailBody builds the silence alert email body.
func silenceEmailBody(deviceName string, levelDB, threshold float64) (subject, body string) {
	subject = "Silence Detected"
	body = fmt.Sprintf(
		"Silence detected on a monitored audio endpoint.\n\n"+
			"Device:    %s\n"+
			"Level:     %.1f dB\n"+
			"Threshold: %.1f dB\n"+
			"Time:      %s\n\n"+
			"Silence is ongoing. Please check the audio source.",
		deviceName, levelDB, threshold, util.HumanTime(),
	)
	return subject, body
}

// recoveryEmailBody builds the silence recovery email body.
func recoveryEmailBody(deviceName string, durationMs int64, levelDB, threshold float64) (subject, body string) {
	subject = "Audio Recovered"
	body = fmt.Sprintf(
		"Audio recovered on a monitored endpoint.\n\n"+
			"Device:         %s\n"+
			"Level:          %.1f dB\n"+
			"Silence lasted: %s\n"+
			"Threshold:      %.1f dB\n"+
			"Time:           %s",
		deviceName, levelDB, util.FormatDuration(durationMs), threshold, util.HumanTime(),
	)
	return subject, body
}

// enforceEmailBody builds the volume enforcement email body.
func enforceEmailBody(deviceName string, observedDB, targetDB float64) (subject, body string) {
	subject = "Volume Change Reverted"
	body = fmt.Sprintf(
		"An external volume change on a pinned endpoint was reverted.\n\n"+
			"Device:   %s\n"+
			"Observed: %.1f dB\n"+
			"Restored: %.1f dB\n"+
			"Time:     %s",
		deviceName, observedDB, targetDB, util.HumanTime(),
	)
	return subject, body
}
