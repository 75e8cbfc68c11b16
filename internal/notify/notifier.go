package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/levels"
	"github.com/levelpin/levelpin/internal/util"
)

var errNoRecipients = errors.New("no valid recipients")

// silenceState tracks which notifications have been sent for a device's
// current silence period.
type silenceState struct {
	webhookSent bool
	emailSent   bool
	logSent     bool
	zabbixSent  bool
}

// AlertNotifier manages notifications for silence and enforcement events.
type AlertNotifier struct {
	cfg *config.Config

	// mu protects the notification state fields below
	mu sync.Mutex

	// Per-device silence notification state
	silence map[string]*silenceState

	// Per-device time of last enforcement alert, for cooldown
	lastEnforceAlert map[string]time.Time

	// Cached Graph client for email notifications
	graphClient *GraphClient
}

// NewAlertNotifier returns an AlertNotifier backed by the given config.
func NewAlertNotifier(cfg *config.Config) *AlertNotifier {
	return &AlertNotifier{
		cfg:              cfg,
		silence:          make(map[string]*silenceState),
		lastEnforceAlert: make(map[string]time.Time),
	}
}

// InvalidateGraphClient clears the cached Graph client.
// Call this when Graph configuration changes.
func (n *AlertNotifier) InvalidateGraphClient() {
	n.mu.Lock()
	n.graphClient = nil
	n.mu.Unlock()
}

// getOrCreateGraphClient returns the cached Graph client, creating it if needed.
func (n *AlertNotifier) getOrCreateGraphClient(cfg *GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

// HandleSilence processes a silence state change for a device and triggers
// notifications. Wire it to the metering service's silence hook.
func (n *AlertNotifier) HandleSilence(deviceID, deviceName string, ev levels.SilenceEvent) {
	if ev.JustEntered {
		n.handleSilenceStart(deviceID, deviceName, ev.CurrentLevelDB)
	}

	if ev.JustRecovered {
		n.handleSilenceEnd(deviceID, deviceName, ev.TotalDurationMs, ev.CurrentLevelDB)
	}
}

// handleSilenceStart triggers notifications when silence is first detected.
func (n *AlertNotifier) handleSilenceStart(deviceID, deviceName string, levelDB float64) {
	cfg := n.cfg.Snapshot()
	if !cfg.SilenceAlerts {
		return
	}

	st := n.deviceState(deviceID)
	n.trySend(&st.webhookSent, cfg.HasWebhook(), func() { n.sendSilenceWebhook(cfg, deviceID, deviceName, levelDB) })
	n.trySend(&st.emailSent, cfg.HasGraph(), func() { n.sendSilenceEmail(cfg, deviceName, levelDB) })
	n.trySend(&st.logSent, cfg.HasLogPath(), func() { n.logSilenceStart(cfg, deviceID, deviceName, levelDB) })
	n.trySend(&st.zabbixSent, cfg.HasZabbix(), func() { n.sendSilenceZabbix(cfg, deviceName, levelDB) })
}

// deviceState returns the silence state for a device, creating it if needed.
func (n *AlertNotifier) deviceState(deviceID string) *silenceState {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.silence[deviceID]
	if !ok {
		st = &silenceState{}
		n.silence[deviceID] = st
	}
	return st
}

// trySend sends a notification if the condition is met and not already sent
// for the current silence period. The sent pointer must point into a
// silenceState owned by n.silence.
func (n *AlertNotifier) trySend(sent *bool, condition bool, sender func()) {
	n.mu.Lock()
	shouldSend := !*sent && condition
	if shouldSend {
		*sent = true
	}
	n.mu.Unlock()
	if shouldSend {
		go sender()
	}
}

// handleSilenceEnd triggers recovery notifications when silence ends.
func (n *AlertNotifier) handleSilenceEnd(deviceID, deviceName string, totalDurationMs int64, levelDB float64) {
	cfg := n.cfg.Snapshot()

	// Only send recovery notifications if we sent the corresponding start
	// notification for this device
	n.mu.Lock()
	st, ok := n.silence[deviceID]
	if !ok {
		n.mu.Unlock()
		return
	}
	sendWebhookRecovery := st.webhookSent
	sendEmailRecovery := st.emailSent
	sendLogRecovery := st.logSent
	sendZabbixRecovery := st.zabbixSent
	// Reset state for the device's next silence period
	delete(n.silence, deviceID)
	n.mu.Unlock()

	if sendWebhookRecovery {
		go n.sendRecoveryWebhook(cfg, deviceID, deviceName, totalDurationMs, levelDB)
	}
	if sendEmailRecovery {
		go n.sendRecoveryEmail(cfg, deviceName, totalDurationMs, levelDB)
	}
	if sendLogRecovery {
		go n.logSilenceEnd(cfg, deviceID, deviceName, totalDurationMs, levelDB)
	}
	if sendZabbixRecovery {
		go n.sendRecoveryZabbix(cfg, deviceName, totalDurationMs, levelDB)
	}
}

// HandleEnforce triggers notifications after a corrective volume write.
// Repeated corrections on the same device are rate limited by the
// configured per-device cooldown. Wire it to the enforcement engine's hook.
func (n *AlertNotifier) HandleEnforce(deviceID, deviceName string, observedDB, targetDB float64) {
	cfg := n.cfg.Snapshot()
	if !cfg.EnforcementAlerts {
		return
	}

	cooldown := time.Duration(cfg.AlertCooldownMin) * time.Minute
	now := time.Now()

	n.mu.Lock()
	if last, ok := n.lastEnforceAlert[deviceID]; ok && now.Sub(last) < cooldown {
		n.mu.Unlock()
		return
	}
	n.lastEnforceAlert[deviceID] = now
	n.mu.Unlock()

	if cfg.HasWebhook() {
		go n.sendEnforceWebhook(cfg, deviceID, deviceName, observedDB, targetDB)
	}
	if cfg.HasGraph() {
		go n.sendEnforceEmail(cfg, deviceName, observedDB, targetDB)
	}
	if cfg.HasLogPath() {
		go n.logEnforce(cfg, deviceID, deviceName, observedDB, targetDB)
	}
	if cfg.HasZabbix() {
		go n.sendEnforceZabbix(cfg, deviceName, observedDB, targetDB)
	}
}

// Reset clears all per-device notification state.
func (n *AlertNotifier) Reset() {
	n.mu.Lock()
	n.silence = make(map[string]*silenceState)
	n.lastEnforceAlert = make(map[string]time.Time)
	n.mu.Unlock()
}

// BuildGraphConfig creates a GraphConfig from the config snapshot.
//
//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func BuildGraphConfig(cfg config.Snapshot) *GraphConfig {
	return &GraphConfig{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		FromAddress:  cfg.GraphFromAddress,
		Recipients:   cfg.GraphRecipients,
	}
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendSilenceWebhook(cfg config.Snapshot, deviceID, deviceName string, levelDB float64) {
	util.LogNotifyResult(
		func() error {
			return SendSilenceWebhook(cfg.WebhookURL, deviceID, deviceName, levelDB, cfg.SilenceThreshold)
		},
		"Silence webhook",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendRecoveryWebhook(cfg config.Snapshot, deviceID, deviceName string, durationMs int64, levelDB float64) {
	util.LogNotifyResult(
		func() error {
			return SendRecoveryWebhook(cfg.WebhookURL, deviceID, deviceName, durationMs, levelDB, cfg.SilenceThreshold)
		},
		"Recovery webhook",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendEnforceWebhook(cfg config.Snapshot, deviceID, deviceName string, observedDB, targetDB float64) {
	util.LogNotifyResult(
		func() error { return SendEnforceWebhook(cfg.WebhookURL, deviceID, deviceName, observedDB, targetDB) },
		"Enforcement webhook",
	)
}

// sendEmail handles the common email sending infrastructure.
func (n *AlertNotifier) sendEmail(cfg *GraphConfig, monitorName, subject, body string) error {
	if !IsConfigured(cfg) {
		return nil
	}

	client, err := n.getOrCreateGraphClient(cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return util.WrapError("parse recipients", errNoRecipients)
	}

	if err := client.SendMail(recipients, subject+" - "+monitorName, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}

	return nil
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendSilenceEmail(cfg config.Snapshot, deviceName string, levelDB float64) {
	graphCfg := BuildGraphConfig(cfg)
	util.LogNotifyResult(
		func() error {
			subject, body := silenceEmailBody(deviceName, levelDB, cfg.SilenceThreshold)
			return n.sendEmail(graphCfg, cfg.MonitorName, "[ALERT] "+subject, body)
		},
		"Silence email",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendRecoveryEmail(cfg config.Snapshot, deviceName string, durationMs int64, levelDB float64) {
	graphCfg := BuildGraphConfig(cfg)
	util.LogNotifyResult(
		func() error {
			subject, body := recoveryEmailBody(deviceName, durationMs, levelDB, cfg.SilenceThreshold)
			return n.sendEmail(graphCfg, cfg.MonitorName, "[OK] "+subject, body)
		},
		"Recovery email",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendEnforceEmail(cfg config.Snapshot, deviceName string, observedDB, targetDB float64) {
	graphCfg := BuildGraphConfig(cfg)
	util.LogNotifyResult(
		func() error {
			subject, body := enforceEmailBody(deviceName, observedDB, targetDB)
			return n.sendEmail(graphCfg, cfg.MonitorName, "[ALERT] "+subject, body)
		},
		"Enforcement email",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) logSilenceStart(cfg config.Snapshot, deviceID, deviceName string, levelDB float64) {
	util.LogNotifyResult(
		func() error { return LogSilenceStart(cfg.LogPath, deviceID, deviceName, levelDB, cfg.SilenceThreshold) },
		"Silence log",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) logSilenceEnd(cfg config.Snapshot, deviceID, deviceName string, durationMs int64, levelDB float64) {
	util.LogNotifyResult(
		func() error {
			return LogSilenceEnd(cfg.LogPath, deviceID, deviceName, durationMs, levelDB, cfg.SilenceThreshold)
		},
		"Recovery log",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) logEnforce(cfg config.Snapshot, deviceID, deviceName string, observedDB, targetDB float64) {
	util.LogNotifyResult(
		func() error { return LogEnforce(cfg.LogPath, deviceID, deviceName, observedDB, targetDB) },
		"Enforcement log",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendSilenceZabbix(cfg config.Snapshot, deviceName string, levelDB float64) {
	util.LogNotifyResult(
		func() error {
			return SendSilenceZabbix(cfg.ZabbixServer, cfg.ZabbixPort, cfg.ZabbixHost, cfg.ZabbixKey,
				deviceName, levelDB, cfg.SilenceThreshold)
		},
		"Silence zabbix",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendRecoveryZabbix(cfg config.Snapshot, deviceName string, durationMs int64, levelDB float64) {
	util.LogNotifyResult(
		func() error {
			return SendRecoveryZabbix(cfg.ZabbixServer, cfg.ZabbixPort, cfg.ZabbixHost, cfg.ZabbixKey,
				deviceName, durationMs, levelDB, cfg.SilenceThreshold)
		},
		"Recovery zabbix",
	)
}

//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func (n *AlertNotifier) sendEnforceZabbix(cfg config.Snapshot, deviceName string, observedDB, targetDB float64) {
	util.LogNotifyResult(
		func() error {
			return SendEnforceZabbix(cfg.ZabbixServer, cfg.ZabbixPort, cfg.ZabbixHost, cfg.ZabbixKey,
				deviceName, observedDB, targetDB)
		},
		"Enforcement zabbix",
	)
}
