package levels

import (
	"testing"
	"time"
)

var testSilenceCfg = SilenceConfig{
	Threshold:  -40,
	DurationMs: 1000,
	RecoveryMs: 500,
}

func TestSilenceDetectorEntersAfterDuration(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector()
	start := time.Now()

	ev := d.Update(-50, testSilenceCfg, start)
	if ev.InSilence || ev.JustEntered {
		t.Fatal("silence confirmed before duration threshold")
	}

	ev = d.Update(-50, testSilenceCfg, start.Add(500*time.Millisecond))
	if ev.InSilence {
		t.Fatal("silence confirmed halfway to duration threshold")
	}

	ev = d.Update(-50, testSilenceCfg, start.Add(1100*time.Millisecond))
	if !ev.InSilence || !ev.JustEntered {
		t.Fatalf("expected confirmed silence, got %+v", ev)
	}

	// JustEntered only fires on the confirming frame.
	ev = d.Update(-50, testSilenceCfg, start.Add(1200*time.Millisecond))
	if !ev.InSilence || ev.JustEntered {
		t.Fatalf("expected ongoing silence without re-entry, got %+v", ev)
	}
}

func TestSilenceDetectorRecovery(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector()
	start := time.Now()

	d.Update(-50, testSilenceCfg, start)
	d.Update(-50, testSilenceCfg, start.Add(1100*time.Millisecond))

	// Audio returns; recovery not yet complete.
	ev := d.Update(-10, testSilenceCfg, start.Add(1200*time.Millisecond))
	if !ev.InSilence || ev.JustRecovered {
		t.Fatalf("expected silence held during recovery window, got %+v", ev)
	}

	ev = d.Update(-10, testSilenceCfg, start.Add(1800*time.Millisecond))
	if !ev.JustRecovered {
		t.Fatalf("expected recovery, got %+v", ev)
	}
	if ev.TotalDurationMs < 1000 {
		t.Errorf("total duration = %d, want >= 1000", ev.TotalDurationMs)
	}

	// A brief dip back below the threshold starts a fresh period.
	ev = d.Update(-50, testSilenceCfg, start.Add(1900*time.Millisecond))
	if ev.InSilence {
		t.Fatalf("fresh silence period confirmed immediately, got %+v", ev)
	}
}

func TestSilenceDetectorReset(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector()
	start := time.Now()
	d.Update(-50, testSilenceCfg, start)
	d.Update(-50, testSilenceCfg, start.Add(1100*time.Millisecond))
	d.Reset()

	ev := d.Update(-50, testSilenceCfg, start.Add(1200*time.Millisecond))
	if ev.InSilence {
		t.Fatal("reset detector still in silence")
	}
}

func TestPeakHolder(t *testing.T) {
	t.Parallel()

	p := NewPeakHolder()
	now := time.Now()

	if got := p.Update(-20, now); got != -20 {
		t.Errorf("initial peak = %v, want -20", got)
	}

	// Lower peaks within the hold window do not displace the held value.
	if got := p.Update(-35, now.Add(time.Second)); got != -20 {
		t.Errorf("held peak = %v, want -20", got)
	}

	// Higher peaks always take over.
	if got := p.Update(-10, now.Add(2*time.Second)); got != -10 {
		t.Errorf("higher peak = %v, want -10", got)
	}

	// After the hold duration the current value wins even if lower.
	if got := p.Update(-40, now.Add(6*time.Second)); got != -40 {
		t.Errorf("expired peak = %v, want -40", got)
	}

	p.Reset()
	if got := p.Update(MinDB, now.Add(7*time.Second)); got != MinDB {
		t.Errorf("reset peak = %v, want %v", got, MinDB)
	}
}
