// Package logging installs the agent's structured JSON logger,
// grounded on cmd/sand/main.go's initSlog: a slog.NewJSONHandler
// writing to a file, installed as the package default. Generalized
// from initSlog's fixed four-level switch to the full §6 {trace,
// debug, info, notice, warning, error, critical} set and from a bare
// *os.File to a gopkg.in/natefinch/lumberjack.v2 rotating writer.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom levels outside slog's four stdlib levels, expressed as
// offsets from the nearest one so a handler that only understands
// slog.Level severities still orders them correctly.
const (
	LevelTrace    = slog.LevelDebug - 4
	LevelNotice   = slog.LevelInfo + 2
	LevelCritical = slog.LevelError + 4
)

// ParseLevel maps one of the §6 CLI level names onto an slog.Level,
// falling back to info on an unrecognized value exactly as the
// teacher's initSlog switch/default does.
func ParseLevel(name string) slog.Level {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "notice":
		return LevelNotice
	case "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// Options configures Init.
type Options struct {
	// LogFile is the rotated log destination. Empty writes to Stderr
	// with no rotation, matching a foreground debug run.
	LogFile    string
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init installs a process-wide JSON slog logger per Options and
// returns the underlying writer so callers can Close/Sync it on
// shutdown (lumberjack.Logger implements io.Closer).
func Init(opts Options) io.Writer {
	var w io.Writer = os.Stderr
	if opts.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	slog.SetDefault(slog.New(handler))
	return w
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
