// Package eventlog provides unified event logging for the monitor. It
// captures capture lifecycle events, freeze/enforcement events and silence
// events in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Capture event types.
const (
	CaptureError   EventType = "capture_error"
	SessionRestart EventType = "session_restart"
	ChannelCount   EventType = "channel_count"
	GroupChange    EventType = "group_change"
	Diagnostics    EventType = "diagnostics"
)

// Freeze event types.
const (
	Freeze         EventType = "freeze"
	Unfreeze       EventType = "unfreeze"
	VolumeEnforced EventType = "volume_enforced"
	EnforcePaused  EventType = "enforce_paused"
	EnforceResumed EventType = "enforce_resumed"
)

// Silence event types.
const (
	SilenceStart EventType = "silence_start"
	SilenceEnd   EventType = "silence_end"
)

// System event types.
const (
	LoadState       EventType = "load_state"
	ArchiveUploaded EventType = "archive_uploaded"
	ArchiveFailed   EventType = "archive_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// CaptureDetails contains capture-specific event details.
type CaptureDetails struct {
	DeviceName string `json:"device_name,omitempty"`
	Group      string `json:"group,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FreezeDetails contains enforcement-specific event details.
type FreezeDetails struct {
	DeviceName string  `json:"device_name,omitempty"`
	TargetDB   float64 `json:"target_db,omitempty"`
	ObservedDB float64 `json:"observed_db,omitempty"`
}

// SilenceDetails contains silence-specific event details.
type SilenceDetails struct {
	DeviceName  string  `json:"device_name,omitempty"`
	LevelDB     float64 `json:"level_db"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "levelpin", "logs", fmt.Sprintf("%d", port), "levelpin.jsonl")
	default:
		return filepath.Join("/var/log/levelpin", fmt.Sprintf("%d", port), "levelpin.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// LogCapture logs a capture lifecycle event.
func (l *Logger) LogCapture(eventType EventType, deviceID, deviceName, group, errMsg string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  deviceID,
		Details: &CaptureDetails{
			DeviceName: deviceName,
			Group:      group,
			Error:      errMsg,
		},
	})
}

// LogFreeze logs a freeze or enforcement event.
func (l *Logger) LogFreeze(eventType EventType, deviceID, deviceName string, targetDB, observedDB float64) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  deviceID,
		Details: &FreezeDetails{
			DeviceName: deviceName,
			TargetDB:   targetDB,
			ObservedDB: observedDB,
		},
	})
}

// LogSilence logs a silence start or end event.
func (l *Logger) LogSilence(eventType EventType, deviceID, deviceName string, levelDB, thresholdDB float64, durationMs int64) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  deviceID,
		Details: &SilenceDetails{
			DeviceName:  deviceName,
			LevelDB:     levelDB,
			ThresholdDB: thresholdDB,
			DurationMs:  durationMs,
		},
	})
}

// LogSystem logs a system event with a free-form message.
func (l *Logger) LogSystem(eventType EventType, message string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// Rotate renames the current log file to archivePath and reopens a fresh
// file at the original path. Rotating an empty log is a no-op and returns
// os.ErrNotExist.
func (l *Logger) Rotate(archivePath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.filePath)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return os.ErrNotExist
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		l.file = nil
	}
	if err := os.Rename(l.filePath, archivePath); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log file: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterCapture TypeFilter = "capture"
	FilterFreeze  TypeFilter = "freeze"
	FilterSilence TypeFilter = "silence"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first. n is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	if n > MaxReadLimit {
		n = MaxReadLimit
	}
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !matchesFilter(event.Type, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) >= n {
			hasMore = true
			break
		}
		events = append(events, event)
	}
	return events, hasMore, nil
}

func matchesFilter(t EventType, filter TypeFilter) bool {
	switch filter {
	case FilterAll:
		return true
	case FilterCapture:
		return IsCaptureEvent(t)
	case FilterFreeze:
		return IsFreezeEvent(t)
	case FilterSilence:
		return IsSilenceEvent(t)
	default:
		return false
	}
}

// IsCaptureEvent returns true if the event type is a capture event.
func IsCaptureEvent(t EventType) bool {
	return t == CaptureError || t == SessionRestart || t == ChannelCount ||
		t == GroupChange || t == Diagnostics
}

// IsFreezeEvent returns true if the event type is a freeze event.
func IsFreezeEvent(t EventType) bool {
	return t == Freeze || t == Unfreeze || t == VolumeEnforced ||
		t == EnforcePaused || t == EnforceResumed
}

// IsSilenceEvent returns true if the event type is a silence event.
func IsSilenceEvent(t EventType) bool {
	return t == SilenceStart || t == SilenceEnd
}
