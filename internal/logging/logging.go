package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sfmbatch/internal/config"

	"github.com/lmittmann/tint"
)

func consoleHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	})
}

// Setup configures global logging: colored console output on stderr and,
// when enabled, a dated plain-text log file. The returned closer releases the file.
func Setup(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)
	handlers := []slog.Handler{consoleHandler(os.Stderr, level, cfg.Logging.Format)}

	var closer io.Closer = nopCloser{}
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("sfmbatch-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = file

		// best effort; the dated file is what matters
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "sfmbatch-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)

		handlers = append(handlers, NewTraditionalHandler(file, level))
	}

	logger := slog.New(fanout(handlers))
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "2006/01/02 15:04:05 [LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string // pre-formatted, already group qualified
	group  string
}

// NewTraditionalHandler writes records to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append(make([]string, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string{}, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.format(a))
	}
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

// multiHandler sends each record to every handler that accepts its level.
type multiHandler []slog.Handler

func fanout(hs []slog.Handler) slog.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return multiHandler(hs)
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFrameStart logs the beginning of a frame.
func LogFrameStart(logger *slog.Logger, runID, frame string, index, total int, imageDir, outputDir string) {
	logger.Info("frame started",
		"run", runID,
		"frame", frame,
		"index", index,
		"total", total,
		"images", imageDir,
		"output", outputDir,
	)
}

// LogFrameComplete logs successful frame completion.
func LogFrameComplete(logger *slog.Logger, runID, frame string, duration time.Duration, summary any) {
	logger.Info("frame completed",
		"run", runID,
		"frame", frame,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.Round(time.Millisecond).String(),
		"result", summary,
	)
}

// LogFrameError logs frame failures.
func LogFrameError(logger *slog.Logger, runID, frame string, duration time.Duration, err error) {
	logger.Error("frame failed",
		"run", runID,
		"frame", frame,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogStage logs one stage transition within a frame.
func LogStage(logger *slog.Logger, frame, stage, status string, details map[string]any) {
	args := []any{"frame", frame, "stage", stage, "status", status}
	for k, v := range details {
		args = append(args, k, v)
	}
	logger.Info("processing step", args...)
}

// LogToolStatus logs tool detection and status.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
