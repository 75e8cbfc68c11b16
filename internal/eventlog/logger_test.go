package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func tempLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLoggerWritesAndReadsBack(t *testing.T) {
	t.Parallel()

	l := tempLogger(t)
	if err := l.LogFreeze(Freeze, "dev1", "Speakers", -10, 0); err != nil {
		t.Fatalf("LogFreeze: %v", err)
	}
	if err := l.LogCapture(CaptureError, "mic1", "Microphone", "recording", "driver error"); err != nil {
		t.Fatalf("LogCapture: %v", err)
	}
	if err := l.LogSilence(SilenceStart, "dev1", "Speakers", -52.3, -40, 0); err != nil {
		t.Fatalf("LogSilence: %v", err)
	}

	events, hasMore, err := ReadLast(l.Path(), 10, 0, FilterAll)
	if err != nil {
		t.Fatalf("ReadLast: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true, want false")
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	// Newest first.
	if events[0].Type != SilenceStart || events[2].Type != Freeze {
		t.Errorf("order = [%s %s %s], want newest first", events[0].Type, events[1].Type, events[2].Type)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp must be stamped")
	}
}

func TestReadLastFilterAndPagination(t *testing.T) {
	t.Parallel()

	l := tempLogger(t)
	for range 5 {
		if err := l.LogFreeze(VolumeEnforced, "dev1", "Speakers", -10, -20); err != nil {
			t.Fatalf("LogFreeze: %v", err)
		}
		if err := l.LogCapture(SessionRestart, "mic1", "Microphone", "recording", ""); err != nil {
			t.Fatalf("LogCapture: %v", err)
		}
	}

	events, hasMore, err := ReadLast(l.Path(), 3, 0, FilterFreeze)
	if err != nil {
		t.Fatalf("ReadLast: %v", err)
	}
	if len(events) != 3 || !hasMore {
		t.Fatalf("page 1 = %d events, hasMore=%v; want 3, true", len(events), hasMore)
	}
	for _, ev := range events {
		if ev.Type != VolumeEnforced {
			t.Errorf("filtered event type = %s, want volume_enforced", ev.Type)
		}
	}

	events, hasMore, err = ReadLast(l.Path(), 3, 3, FilterFreeze)
	if err != nil {
		t.Fatalf("ReadLast page 2: %v", err)
	}
	if len(events) != 2 || hasMore {
		t.Errorf("page 2 = %d events, hasMore=%v; want 2, false", len(events), hasMore)
	}
}

func TestReadLastMissingFile(t *testing.T) {
	t.Parallel()

	events, hasMore, err := ReadLast(filepath.Join(t.TempDir(), "absent.jsonl"), 10, 0, FilterAll)
	if err != nil {
		t.Fatalf("ReadLast: %v", err)
	}
	if len(events) != 0 || hasMore {
		t.Errorf("got %d events, hasMore=%v; want empty", len(events), hasMore)
	}
}

func TestReadLastSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	l := tempLogger(t)
	if err := l.LogSystem(LoadState, "ready"); err != nil {
		t.Fatalf("LogSystem: %v", err)
	}
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	events, _, err := ReadLast(l.Path(), 10, 0, FilterAll)
	if err != nil {
		t.Fatalf("ReadLast: %v", err)
	}
	if len(events) != 1 || events[0].Type != LoadState {
		t.Errorf("events = %+v, want single load_state", events)
	}
}

func TestLoggerRotate(t *testing.T) {
	t.Parallel()

	l := tempLogger(t)
	if err := l.LogSystem(LoadState, "ready"); err != nil {
		t.Fatalf("LogSystem: %v", err)
	}

	archive := filepath.Join(filepath.Dir(l.Path()), "events-archived.jsonl")
	if err := l.Rotate(archive); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// The archive holds the old event, the live log starts empty.
	events, _, err := ReadLast(archive, 10, 0, FilterAll)
	if err != nil || len(events) != 1 {
		t.Fatalf("archive events = %d (err %v), want 1", len(events), err)
	}
	events, _, err = ReadLast(l.Path(), 10, 0, FilterAll)
	if err != nil || len(events) != 0 {
		t.Fatalf("live events = %d (err %v), want 0", len(events), err)
	}

	// Writes keep working after rotation.
	if err := l.LogSystem(LoadState, "restarted"); err != nil {
		t.Fatalf("LogSystem after rotate: %v", err)
	}
	events, _, _ = ReadLast(l.Path(), 10, 0, FilterAll)
	if len(events) != 1 {
		t.Errorf("live events after write = %d, want 1", len(events))
	}

	// Rotating the now-empty log is refused.
	if err := l.Rotate(archive); err != nil {
		// A fresh event was just written, so this rotation succeeds.
		t.Fatalf("Rotate with content: %v", err)
	}
	err = l.Rotate(archive)
	if !os.IsNotExist(err) {
		t.Errorf("Rotate of empty log = %v, want ErrNotExist", err)
	}
}
