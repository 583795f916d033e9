package hooks

import (
	"context"
	"log/slog"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
)

// Compile-time interface check.
var _ broadcast.Hook = (*LoggerHook)(nil)

// LoggerHook writes notable stream events to the structured log.
// It is deliberately narrow: lifecycle and validated findings only,
// so a busy scan doesn't flood the log with per-request noise.
type LoggerHook struct {
	log *slog.Logger
}

// NewLoggerHook creates the hook. A nil logger uses slog.Default.
func NewLoggerHook(logger *slog.Logger) *LoggerHook {
	return &LoggerHook{log: orDefault(logger)}
}

// OnEvent logs one envelope.
func (h *LoggerHook) OnEvent(_ context.Context, env broadcast.Envelope) error {
	evt := env.Event
	if evt == nil {
		return nil
	}

	switch evt.Type {
	case events.TypeScanStart:
		h.log.Info("scan started",
			"scan", evt.ScanID,
			"tenant", evt.TenantID,
			"target", evt.Str("target"))
	case events.TypeScanComplete:
		h.log.Info("scan completed",
			"scan", evt.ScanID,
			"reason", evt.Str("reason"))
	case events.TypeScanError:
		h.log.Error("scan failed",
			"scan", evt.ScanID,
			"error", evt.Str("error"))
	case events.TypeFindingValidated:
		h.log.Warn("finding validated",
			"scan", evt.ScanID,
			"title", evt.Str("title"),
			"severity", evt.Str("severity"),
			"cwe", evt.Str("cwe"),
			"endpoint", evt.Str("endpoint"))
	}
	return nil
}

// EventTypes limits logging to lifecycle and validated findings.
func (h *LoggerHook) EventTypes() []events.Type {
	return []events.Type{
		events.TypeScanStart,
		events.TypeScanComplete,
		events.TypeScanError,
		events.TypeFindingValidated,
	}
}

// orDefault returns l if non-nil, otherwise slog.Default().
func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
