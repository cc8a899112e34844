package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names used as the "component" field of every record.
const (
	CompDetect   = "detect"
	CompQueue    = "queue"
	CompWatch    = "watch"
	CompProtocol = "protocol"
	CompStore    = "store"
	CompRemote   = "remote"
	CompDevice   = "device"
	CompConfig   = "config"
	CompWeb      = "web"
	CompPilot    = "pilot"
	CompHistory  = "history"
)

// LogFileName is the rotated log file written under Config.Dir.
const LogFileName = "chatpilot.log"

// Config holds logging configuration.
type Config struct {
	// Dir is the directory for log files. Empty logs to stderr.
	Dir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	Compress bool

	// FeedLines is how many status lines the dashboard feed retains (default: 500)
	FeedLines int

	// AggregateIntervalSecs is the aggregation flush interval (default: 30)
	AggregateIntervalSecs int

	// PprofAddr starts a pprof server when non-empty (e.g. "localhost:6061")
	PprofAddr string

	// Quiet discards everything except the feed. Used by one-shot CLI commands.
	Quiet bool
}

var (
	globalLogger *slog.Logger
	globalFeed   *Feed
	globalAgg    *Aggregator
	globalMu     sync.RWMutex
	rotator      *lumberjack.Logger
)

// Init initializes the global logging system.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.FeedLines <= 0 {
		cfg.FeedLines = 500
	}
	if cfg.AggregateIntervalSecs <= 0 {
		cfg.AggregateIntervalSecs = 30
	}

	globalFeed = NewFeed(cfg.FeedLines)

	if cfg.Quiet {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		globalAgg = NewAggregator(nil, cfg.AggregateIntervalSecs)
		return
	}

	var out io.Writer = os.Stderr
	if cfg.Dir != "" {
		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = rotator
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	globalLogger = slog.New(handler)

	globalAgg = NewAggregator(globalLogger, cfg.AggregateIntervalSecs)
	globalAgg.Start()

	if cfg.PprofAddr != "" {
		startPprof(cfg.PprofAddr)
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
	}
	return slog.LevelInfo
}

// Logger returns the global logger. Safe to call before Init (returns a discard logger).
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set.
// The returned logger resolves the global handler at log time, so package-level
// loggers created before Init still write to the configured destination.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &dynamicHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate records a high-frequency event for batched logging.
func Aggregate(component, event string, fields ...slog.Attr) {
	globalMu.RLock()
	agg := globalAgg
	globalMu.RUnlock()
	if agg != nil {
		agg.Record(component, event, fields...)
	}
}

// GlobalFeed returns the process-wide status line feed. Never nil.
func GlobalFeed() *Feed {
	globalMu.RLock()
	f := globalFeed
	globalMu.RUnlock()
	if f != nil {
		return f
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFeed == nil {
		globalFeed = NewFeed(500)
	}
	return globalFeed
}

// Shutdown flushes the aggregator and closes writers.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalAgg != nil {
		globalAgg.Stop()
		globalAgg = nil
	}
	stopPprof()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	if globalFeed != nil {
		globalFeed.Close()
		globalFeed = nil
	}
	globalLogger = nil
}
