package workflow

import (
	"context"
	"log/slog"
	"strings"

	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/store"
)

func (m *Manager) workerLogger(workerID string) *slog.Logger {
	if m.logger == nil {
		return logging.NewNop()
	}
	return m.logger.With(
		logging.String(logging.FieldComponent, "workflow-worker"),
		logging.String("worker", workerID),
	)
}

// jobLogger derives the per-job logger: context fields baked in, plus any
// per-stage level override from configuration.
func (m *Manager) jobLogger(ctx context.Context, base *slog.Logger, stageName string) *slog.Logger {
	if base == nil {
		base = m.logger
	}
	if base == nil {
		base = logging.NewNop()
	}
	logger := logging.WithContext(ctx, base)
	if m.cfg != nil {
		if override := stageOverrideLevel(m.cfg.Logging.StageOverrides, stageName); override != "" {
			logger = logging.WithLevelOverride(logger, parseStageLevel(override))
		}
	}
	return logger
}

func withJobContext(ctx context.Context, stageName string, job *store.Job, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if job != nil {
		ctx = services.WithJobID(ctx, job.ID)
		if job.UserID != "" {
			ctx = services.WithUserID(ctx, job.UserID)
		}
	}
	if stageName != "" {
		ctx = services.WithStage(ctx, stageName)
	}
	if requestID != "" {
		ctx = services.WithRequestID(ctx, requestID)
	}
	return ctx
}

func stageOverrideLevel(overrides map[string]string, stage string) string {
	if len(overrides) == 0 {
		return ""
	}
	stage = strings.ToLower(strings.TrimSpace(stage))
	if stage == "" {
		return ""
	}
	for key, value := range overrides {
		if strings.ToLower(strings.TrimSpace(key)) == stage {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func parseStageLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
