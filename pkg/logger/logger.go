package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"

	"muse/pkg/config"
)

const (
	defaultFormat = "text"
	defaultLevel  = "info"

	envFormat    = "MUSE_LOG_FORMAT"
	envLevel     = "MUSE_LOG_LEVEL"
	envAddSource = "MUSE_LOG_ADD_SOURCE"

	// TriggerKey tags every log line written while a trigger is in flight.
	TriggerKey = "trigger_id"
	kindKey    = "kind"
)

var formatters = map[string]charmLog.Formatter{
	"text":   charmLog.TextFormatter,
	"logfmt": charmLog.LogfmtFormatter,
	"json":   charmLog.JSONFormatter,
}

var levels = map[string]charmLog.Level{
	"debug":   charmLog.DebugLevel,
	"info":    charmLog.InfoLevel,
	"warn":    charmLog.WarnLevel,
	"warning": charmLog.WarnLevel,
	"error":   charmLog.ErrorLevel,
}

// New builds the process logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ForTrigger scopes log to one trigger so its lines can be followed from
// receipt to the terminal outcome.
func ForTrigger(log *slog.Logger, triggerID string, kind string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}

	return log.With(TriggerKey, triggerID, kindKey, kind)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	format := strings.ToLower(envOr(envFormat, cfg.Format))
	if format == "" {
		format = defaultFormat
	}
	formatter, ok := formatters[format]
	if !ok {
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := strings.ToLower(envOr(envLevel, cfg.Level))
	if levelText == "" {
		levelText = defaultLevel
	}
	level, ok := levels[levelText]
	if !ok {
		return nil, fmt.Errorf("unsupported log level %q", levelText)
	}

	addSource := cfg.AddSource
	if value := os.Getenv(envAddSource); strings.TrimSpace(value) != "" {
		addSource = parseBool(value)
	}

	timeFormat := time.TimeOnly
	if format != "text" {
		timeFormat = time.RFC3339Nano
	}

	handler := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		ReportCaller:    addSource,
		Formatter:       formatter,
	})
	return slog.New(handler), nil
}

// envOr prefers a non-empty environment value over the configured one.
func envOr(key string, configured string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	return strings.TrimSpace(configured)
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
