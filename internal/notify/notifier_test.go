package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/levels"
)

// webhookRecorder collects webhook payloads delivered to a test server.
type webhookRecorder struct {
	srv      *httptest.Server
	payloads chan WebhookPayload
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	r := &webhookRecorder{payloads: make(chan WebhookPayload, 16)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		r.payloads <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *webhookRecorder) next(t *testing.T) WebhookPayload {
	t.Helper()
	select {
	case p := <-r.payloads:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return WebhookPayload{}
	}
}

func (r *webhookRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.payloads:
		t.Fatalf("unexpected webhook delivery: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func newNotifierConfig(t *testing.T, webhookURL string) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.SetWebhookURL(webhookURL); err != nil {
		t.Fatalf("SetWebhookURL: %v", err)
	}
	return cfg
}

func TestSilenceWebhookSentOncePerPeriod(t *testing.T) {
	rec := newWebhookRecorder(t)
	n := NewAlertNotifier(newNotifierConfig(t, rec.srv.URL))

	entered := levels.SilenceEvent{InSilence: true, JustEntered: true, CurrentLevelDB: -55}
	n.HandleSilence("dev-1", "Line In", entered)

	p := rec.next(t)
	if p.Event != "silence_detected" {
		t.Errorf("event = %q, want silence_detected", p.Event)
	}
	if p.DeviceID != "dev-1" || p.DeviceName != "Line In" {
		t.Errorf("device = %q/%q", p.DeviceID, p.DeviceName)
	}
	if p.LevelDB != -55 {
		t.Errorf("LevelDB = %v, want -55", p.LevelDB)
	}

	// Same silence period, no second alert
	n.HandleSilence("dev-1", "Line In", entered)
	rec.expectNone(t)
}

func TestSilencePeriodsTrackedPerDevice(t *testing.T) {
	rec := newWebhookRecorder(t)
	n := NewAlertNotifier(newNotifierConfig(t, rec.srv.URL))

	entered := levels.SilenceEvent{InSilence: true, JustEntered: true, CurrentLevelDB: -60}
	n.HandleSilence("dev-1", "Line In", entered)
	rec.next(t)

	// A different device entering silence is its own alert
	n.HandleSilence("dev-2", "Mic", entered)
	p := rec.next(t)
	if p.DeviceID != "dev-2" {
		t.Errorf("DeviceID = %q, want dev-2", p.DeviceID)
	}
}

func TestRecoveryOnlyAfterStart(t *testing.T) {
	rec := newWebhookRecorder(t)
	n := NewAlertNotifier(newNotifierConfig(t, rec.srv.URL))

	recovered := levels.SilenceEvent{JustRecovered: true, TotalDurationMs: 20000, CurrentLevelDB: -12}

	// Recovery without a prior start alert is dropped
	n.HandleSilence("dev-1", "Line In", recovered)
	rec.expectNone(t)

	// Full cycle: start then recovery
	n.HandleSilence("dev-1", "Line In", levels.SilenceEvent{InSilence: true, JustEntered: true, CurrentLevelDB: -58})
	if p := rec.next(t); p.Event != "silence_detected" {
		t.Fatalf("event = %q, want silence_detected", p.Event)
	}
	n.HandleSilence("dev-1", "Line In", recovered)
	p := rec.next(t)
	if p.Event != "silence_recovered" {
		t.Errorf("event = %q, want silence_recovered", p.Event)
	}
	if p.SilenceDurationMs != 20000 {
		t.Errorf("SilenceDurationMs = %d, want 20000", p.SilenceDurationMs)
	}

	// State was reset, so a new period alerts again
	n.HandleSilence("dev-1", "Line In", levels.SilenceEvent{InSilence: true, JustEntered: true, CurrentLevelDB: -58})
	if p := rec.next(t); p.Event != "silence_detected" {
		t.Errorf("event = %q, want silence_detected", p.Event)
	}
}

func TestEnforcementAlertCooldown(t *testing.T) {
	rec := newWebhookRecorder(t)
	cfg := newNotifierConfig(t, rec.srv.URL)
	cfg.Notifications.EnforcementAlerts = true
	n := NewAlertNotifier(cfg)

	n.HandleEnforce("dev-1", "Speakers", -5, -20)
	p := rec.next(t)
	if p.Event != "volume_enforced" {
		t.Errorf("event = %q, want volume_enforced", p.Event)
	}
	if p.ObservedDB != -5 || p.TargetDB != -20 {
		t.Errorf("observed/target = %v/%v", p.ObservedDB, p.TargetDB)
	}

	// Second correction within the cooldown window is suppressed
	n.HandleEnforce("dev-1", "Speakers", -3, -20)
	rec.expectNone(t)

	// A different device is not affected by dev-1's cooldown
	n.HandleEnforce("dev-2", "Headphones", -1, -15)
	if p := rec.next(t); p.DeviceID != "dev-2" {
		t.Errorf("DeviceID = %q, want dev-2", p.DeviceID)
	}
}

func TestEnforcementAlertsDisabledByDefault(t *testing.T) {
	rec := newWebhookRecorder(t)
	n := NewAlertNotifier(newNotifierConfig(t, rec.srv.URL))

	n.HandleEnforce("dev-1", "Speakers", -5, -20)
	rec.expectNone(t)
}

func TestAlertLogEntries(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "alerts.log")

	if err := LogSilenceStart(logPath, "dev-1", "Line In", -55, -40); err != nil {
		t.Fatalf("LogSilenceStart: %v", err)
	}
	if err := LogEnforce(logPath, "dev-1", "Line In", -5, -20); err != nil {
		t.Fatalf("LogEnforce: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := splitLines(data)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first AlertLogEntry
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Event != "silence_start" || first.LevelDB != -55 {
		t.Errorf("first entry = %+v", first)
	}

	var second AlertLogEntry
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.Event != "volume_enforced" || second.TargetDB != -20 {
		t.Errorf("second entry = %+v", second)
	}
}

func TestParseRecipients(t *testing.T) {
	got := ParseRecipients(" a@example.com, ,b@example.com ,")
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Errorf("ParseRecipients = %v", got)
	}
	if got := ParseRecipients(""); got != nil {
		t.Errorf("ParseRecipients(\"\") = %v, want nil", got)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
