// Package logger builds the process slog logger: charm text output for
// terminals, or one JSON object per line with the bridge's correlation keys
// lifted out of the free-form fields.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"feishubridge/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	envFormat    = "FEISHUBRIDGE_LOG_FORMAT"
	envLevel     = "FEISHUBRIDGE_LOG_LEVEL"
	envAddSource = "FEISHUBRIDGE_LOG_ADD_SOURCE"

	previewLimit = 100
)

// Keys lifted to top-level entry fields.
const (
	KeyComponent = "component"
	KeyRequestID = "request_id"
	KeyEventID   = "event_id"
	KeyEventType = "event_type"
)

// LogEntry is one JSON log line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

// New returns a logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	opts, err := resolveOptions(cfg)
	if err != nil {
		return nil, err
	}

	if opts.format == formatJSON {
		return slog.New(&jsonHandler{opts: opts, out: &lockedWriter{w: writer}}), nil
	}

	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(opts.level),
		ReportTimestamp: true,
		ReportCaller:    opts.addSource,
		Formatter:       charmLog.TextFormatter,
	})), nil
}

// resolveOptions merges config with the environment; the environment wins.
func resolveOptions(cfg config.LoggingConfig) (options, error) {
	format := envOr(envFormat, cfg.Format, formatText)
	if format != formatText && format != formatJSON {
		return options{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, err := parseLevel(envOr(envLevel, cfg.Level, "info"))
	if err != nil {
		return options{}, err
	}

	addSource := cfg.AddSource
	if value, ok := os.LookupEnv(envAddSource); ok && strings.TrimSpace(value) != "" {
		addSource = parseBool(value)
	}

	return options{format: format, level: level, addSource: addSource}, nil
}

func envOr(key string, configured string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return strings.ToLower(value)
	}
	if value := strings.TrimSpace(configured); value != "" {
		return strings.ToLower(value)
	}

	return fallback
}

func parseLevel(text string) (slog.Level, error) {
	switch text {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) writeLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(append(line, '\n'))
	return err
}

type jsonHandler struct {
	opts   options
	out    *lockedWriter
	attrs  []slog.Attr
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := LogEntry{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Level:     strings.ToLower(record.Level.String()),
		Message:   record.Message,
	}
	fields := make(map[string]any)

	for _, attr := range h.attrs {
		entry.add(fields, h.prefix, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.add(fields, h.prefix, attr)
		return true
	})

	if len(fields) > 0 {
		entry.Fields = fields
	}
	if h.opts.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return h.out.writeLine(line)
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// add records attr on the entry. Correlation keys outside any group become
// top-level fields; a later value for the same key replaces an earlier one.
func (e *LogEntry) add(fields map[string]any, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if prefix == "" && attr.Value.Kind() == slog.KindString && e.promote(attr.Key, attr.Value.String()) {
		return
	}

	fields[prefix+attr.Key] = plainValue(attr.Value)
}

func (e *LogEntry) promote(key string, value string) bool {
	switch key {
	case KeyComponent:
		e.Component = value
	case KeyRequestID:
		e.RequestID = value
	case KeyEventID:
		e.EventID = value
	case KeyEventType:
		e.EventType = value
	default:
		return false
	}

	return true
}

func plainValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = plainValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

// Component returns the default logger scoped to one component name.
func Component(name string) *slog.Logger {
	return slog.Default().With(KeyComponent, name)
}

// Preview returns a bounded log-safe preview of user or model text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= previewLimit {
		return trimmed
	}

	return string(runes[:previewLimit]) + "..."
}
