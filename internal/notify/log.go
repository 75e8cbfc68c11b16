package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/levelpin/levelpin/internal/util"
)

// AlertLogEntry is one line in the JSON-lines alert log file.
type AlertLogEntry struct {
	Timestamp   string  `json:"timestamp"`
	Event       string  `json:"event"`
	DeviceID    string  `json:"device_id,omitempty"`
	DeviceName  string  `json:"device_name,omitempty"`
	LevelDB     float64 `json:"level_db,omitempty"`
	ThresholdDB float64 `json:"threshold_db,omitempty"`
	TargetDB    float64 `json:"target_db,omitempty"`
	ObservedDB  float64 `json:"observed_db,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// LogSilenceStart records the beginning of a silence event.
func LogSilenceStart(logPath, deviceID, deviceName string, levelDB, threshold float64) error {
	return appendLogEntry(logPath, &AlertLogEntry{
		Timestamp:   timestampUTC(),
		Event:       "silence_start",
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		LevelDB:     levelDB,
		ThresholdDB: threshold,
	})
}

// LogSilenceEnd records the end of a silence event.
func LogSilenceEnd(logPath, deviceID, deviceName string, durationMs int64, levelDB, threshold float64) error {
	return appendLogEntry(logPath, &AlertLogEntry{
		Timestamp:   timestampUTC(),
		Event:       "silence_end",
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		LevelDB:     levelDB,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
	})
}

// LogEnforce records a corrective volume write.
func LogEnforce(logPath, deviceID, deviceName string, observedDB, targetDB float64) error {
	return appendLogEntry(logPath, &AlertLogEntry{
		Timestamp:  timestampUTC(),
		Event:      "volume_enforced",
		DeviceID:   deviceID,
		DeviceName: deviceName,
		ObservedDB: observedDB,
		TargetDB:   targetDB,
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &AlertLogEntry{
		Timestamp: timestampUTC(),
		Event:     "test",
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *AlertLogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(jsonData, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}

	return nil
}
