package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger creates a new structured logger.
func NewLogger(config LogConfig) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

// WithContext attaches the workflow and stage identifiers carried on the
// context, when present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any

	if workflowID := WorkflowIDFromContext(ctx); workflowID != "" {
		args = append(args, "workflow_id", workflowID)
	}
	if stage := StageFromContext(ctx); stage != "" {
		args = append(args, "stage", stage)
	}

	if len(args) == 0 {
		return l
	}

	return &Logger{
		logger: l.logger.With(args...),
	}
}

// With adds static fields to the logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// Slog exposes the underlying slog logger for printf adapters.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

type contextKey string

const (
	workflowIDKey contextKey = "forge_workflow_id"
	stageKey      contextKey = "forge_stage"
)

// WithWorkflowID stores the workflow identifier on the context.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	if workflowID == "" {
		return ctx
	}
	return context.WithValue(ctx, workflowIDKey, workflowID)
}

// WorkflowIDFromContext returns the workflow identifier, or "".
func WorkflowIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workflowIDKey).(string); ok {
		return v
	}
	return ""
}

// WithStage stores the current stage name on the context.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name, or "".
func StageFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(stageKey).(string); ok {
		return v
	}
	return ""
}
