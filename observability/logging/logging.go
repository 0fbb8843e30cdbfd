package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tunes the handler beyond the environment defaults.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is json or text. Empty follows the environment: dev gets text,
	// everything else JSON.
	Format string
	// File mirrors output into a size-rotated file. The NUSD_LOG_FILE
	// environment variable overrides it.
	File string
}

// Setup configures the default logger with environment-driven options.
func Setup(service, env string) *slog.Logger {
	return SetupWith(service, env, Options{})
}

// SetupWith configures the default logger to emit structured log lines and
// returns the underlying slog.Logger for richer logging within the service.
// All lines carry the service name and environment when provided.
func SetupWith(service, env string, opts Options) *slog.Logger {
	out := io.Writer(os.Stdout)
	file := strings.TrimSpace(os.Getenv("NUSD_LOG_FILE"))
	if file == "" {
		file = strings.TrimSpace(opts.File)
	}
	if file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    128, // megabytes
			MaxBackups: 4,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     parseLevel(opts.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	}

	env = strings.TrimSpace(env)
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		if strings.EqualFold(env, "dev") {
			format = "text"
		} else {
			format = "json"
		}
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so packages using log keep working.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
