// Package logging builds the node's slog pipeline. Every record passes
// through the PII redaction boundary before reaching the sink, so no caller
// needs to pre-scrub log attributes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/brandmeonline/integrity-spine/pkg/privacy"
)

// Options selects the sink and format of the node logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// FilePath enables a size-rotated file sink instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
}

// New constructs the process logger. The returned logger redacts PII
// attributes on every record.
func New(opts Options) *slog.Logger {
	var sink io.Writer = os.Stderr
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		sink = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var inner slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		inner = slog.NewJSONHandler(sink, handlerOpts)
	} else {
		inner = slog.NewTextHandler(sink, handlerOpts)
	}

	return slog.New(NewRedactingHandler(inner))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// RedactingHandler applies the privacy field rules to every record before
// delegating to the wrapped handler.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with the redaction boundary.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, nr)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		redacted = append(redacted, redactAttr(a))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, 0, len(group))
		for _, g := range group {
			out = append(out, redactAttr(g))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}

	switch privacy.Classify(a.Key) {
	case privacy.PIICritical:
		return slog.String(a.Key, "[REDACTED]")
	case privacy.PIISensitive:
		return slog.String(a.Key, privacy.Partial(a.Value.String()))
	default:
		return a
	}
}
