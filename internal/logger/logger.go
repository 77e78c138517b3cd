// Package logger builds the slog.Logger used by the supervisor.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the supervisor's own diagnostics. Console output goes to
// the writer passed to New (standard error); File adds a rotated copy.
type Config struct {
	Level    string     `mapstructure:"level"`  // debug, info, warn, error
	Format   string     `mapstructure:"format"` // color, text, json
	ShowTime bool       `mapstructure:"show_time"`
	File     FileConfig `mapstructure:"file"`
}

// FileConfig describes a rotated log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// Writer returns a rotating writer for the file, or nil when no path is set.
func (c FileConfig) Writer() (io.WriteCloser, error) {
	if c.Path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o750); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to console in cfg.Format, plus JSON lines to
// the rotated file when one is configured. The returned closer releases the file.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "color":
		h = NewColorTextHandler(console, opts, cfg.ShowTime)
	case "text":
		h = slog.NewTextHandler(console, opts)
	case "json":
		h = slog.NewJSONHandler(console, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	fw, err := cfg.File.Writer()
	if err != nil {
		return nil, nil, err
	}
	if fw == nil {
		return slog.New(h), nopCloser{}, nil
	}
	return slog.New(fanout{h, slog.NewJSONHandler(fw, opts)}), fw, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout sends every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
