// Package logger holds the process-wide slog instance behind a tint handler.
// Init is called once from main; packages log through the package functions,
// which fall back to slog's default before Init runs.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lmittmann/tint"
)

var (
	once   sync.Once
	logger *slog.Logger
)

type Options struct {
	Level      slog.Leveler
	Writer     io.Writer // default os.Stdout
	TimeFormat string    // default time.RFC3339
}

// Init installs the shared logger. Later calls are no-ops.
func Init(opts *Options) {
	once.Do(func() {
		writer := opts.Writer
		if writer == nil {
			writer = os.Stdout
		}
		logger = slog.New(tint.NewHandler(writer, &tint.Options{
			Level:      opts.Level,
			TimeFormat: opts.TimeFormat,
		}))
		slog.SetDefault(logger)
	})
}

// L returns the shared logger, nil before Init.
func L() *slog.Logger {
	return logger
}

func base() *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { base().Debug(msg, args...) }
func Info(msg string, args ...any)  { base().Info(msg, args...) }
func Warn(msg string, args ...any)  { base().Warn(msg, args...) }
func Error(msg string, args ...any) { base().Error(msg, args...) }

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	base().Error(msg, args...)
	os.Exit(1)
}

// With returns a child logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return base().With(args...)
}
