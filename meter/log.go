package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/creditledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnOperation(e creditledger.OperationEvent) {
	if e.Success {
		m.Logger.Info("credit_op",
			"op", e.Op,
			"workspace", e.WorkspaceID,
			"report", e.ReportAmount.String(),
			"full", e.FullAmount.String(),
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	level := slog.LevelWarn
	if creditledger.IsRejected(e.Error) {
		level = slog.LevelInfo
	}
	m.Logger.Log(context.Background(), level, "credit_op_error",
		"op", e.Op,
		"workspace", e.WorkspaceID,
		"report", e.ReportAmount.String(),
		"full", e.FullAmount.String(),
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnExpired(e creditledger.ExpiredEvent) {
	m.Logger.Info("credit_expired",
		"workspace", e.WorkspaceID,
		"allocation", e.AllocationID,
		"category", string(e.Category),
		"amount", e.Amount.String(),
	)
}
