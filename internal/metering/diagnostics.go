package metering

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/levelpin/levelpin/internal/types"
)

// Diagnostics returns a point-in-time health snapshot.
func (s *Service) Diagnostics() types.Diagnostics {
	refreshes := s.refreshCount.Load()
	errors := s.errorCount.Load()

	var errorRate float64
	if refreshes > 0 {
		errorRate = float64(errors) / float64(refreshes)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()

	return types.Diagnostics{
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		RefreshCount:   refreshes,
		ErrorCount:     errors,
		ErrorRate:      errorRate,
		ActiveSessions: active,
		HeapBytes:      mem.HeapAlloc,
	}
}

// logDiagnostics runs on the diagnostics ticker.
func (s *Service) logDiagnostics() {
	d := s.Diagnostics()
	slog.Info("Metering diagnostics",
		"uptime", d.Uptime,
		"refreshes", d.RefreshCount,
		"errors", d.ErrorCount,
		"error_rate", fmt.Sprintf("%.3f", d.ErrorRate),
		"sessions", d.ActiveSessions,
		"heap_bytes", d.HeapBytes)
	s.notifyEvent("diagnostics",
		"", fmt.Sprintf("sessions=%d errors=%d", d.ActiveSessions, d.ErrorCount))
}
