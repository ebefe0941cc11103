package logging

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Logger wraps slog.Logger with secret redaction and workflow context
// helpers.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "auto",
		Output: os.Stderr,
	}
}

// New creates a new logger. In "auto" format a TTY gets the pretty handler
// and everything else gets JSON.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := parseLevel(cfg.Level)
	sanitizer := NewSanitizer()

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
	case "text":
		handler = slog.NewTextHandler(cfg.Output, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
	default: // auto
		if isTerminal(cfg.Output) {
			handler = NewPrettyHandler(cfg.Output, level)
		} else {
			handler = slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{
				Level:     level,
				AddSource: cfg.AddSource,
			})
		}
	}

	handler = NewSanitizingHandler(handler, sanitizer)

	return &Logger{
		Logger:    slog.New(handler),
		sanitizer: sanitizer,
	}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sanitizer: NewSanitizer(),
	}
}

func parseLevel(s string) slog.Level {
	switch s {
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

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		sanitizer: l.sanitizer,
	}
}

// WithWorkflow returns a logger bound to a workflow thread.
func (l *Logger) WithWorkflow(threadID string) *Logger {
	return l.with("thread_id", threadID)
}

// WithPhase returns a logger bound to a lifecycle phase.
func (l *Logger) WithPhase(phase string) *Logger {
	return l.with("phase", phase)
}

// WithNode returns a logger bound to a graph node.
func (l *Logger) WithNode(node string) *Logger {
	return l.with("node", node)
}

// WithTask returns a logger bound to a task.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.with("task_id", taskID)
}

// WithAgent returns a logger bound to an agent kind.
func (l *Logger) WithAgent(agent string) *Logger {
	return l.with("agent", agent)
}

// WithIteration returns a logger bound to a loop iteration.
func (l *Logger) WithIteration(n int) *Logger {
	return l.with("iteration", n)
}

// With returns a logger with custom fields.
func (l *Logger) With(args ...any) *Logger {
	return l.with(args...)
}

// Sanitize redacts secrets from a string using the logger's sanitizer.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}
