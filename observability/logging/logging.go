// Package logging installs the structured JSON logger shared by the daemons.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Option customises Setup.
type Option func(*options)

type options struct {
	out   io.Writer
	file  io.Writer
	level slog.Leveler
}

// WithOutput redirects log lines, stdout by default.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// FileConfig mirrors log lines into a size-rotated file.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// WithFile copies every line into the rotated file described by cfg. An
// empty path leaves the output untouched.
func WithFile(cfg FileConfig) Option {
	return func(o *options) {
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return
		}
		size := cfg.MaxSizeMB
		if size <= 0 {
			size = 100
		}
		o.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    size,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
}

// WithLevel sets the minimum level from its name (debug, info, warn, error).
// Unknown names keep the info level.
func WithLevel(name string) Option {
	return func(o *options) {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err == nil {
			o.level = level
		}
	}
}

// Setup configures the standard library logger to emit structured JSON and
// returns the slog.Logger installed as default. Every line carries the
// service name and, when provided, the environment.
func Setup(service, env string, opts ...Option) *slog.Logger {
	o := options{out: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&o)
	}
	out := o.out
	if o.file != nil {
		out = io.MultiWriter(o.out, o.file)
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: o.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	scoped := handler.WithAttrs(attrs)
	base := slog.New(scoped)
	slog.SetDefault(base)

	// Packages still writing through the log package land in the same stream.
	stdBridge := slog.NewLogLogger(scoped, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
