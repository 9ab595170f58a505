package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is debug, info, warn, error or disabled. Unknown values mean info.
	Level string
	// File is the log file path. Empty uses Path().
	File string
	// Console is where human-readable output goes. Nil means stderr.
	Console io.Writer
}

// New creates a zerolog logger writing to the console and to a rotating
// log file.
func New(opts Options) (zerolog.Logger, io.Closer) {
	logPath := opts.File
	if logPath == "" {
		logPath = Path()
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}

	var closer io.Closer = nopCloser{}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err == nil {
		file := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
		}
		writers = append(writers, file)
		closer = file
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).
		Level(ParseLevel(opts.Level)).
		With().Timestamp().Caller().Logger()

	if len(writers) == 1 {
		logger.Warn().Str("path", logPath).Msg("Log directory unavailable, logging to console only")
	}
	return logger, closer
}

// NewWithLevel creates a console and file logger at level.
func NewWithLevel(level string) zerolog.Logger {
	logger, _ := New(Options{Level: level})
	return logger
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Path returns the platform-specific log file path.
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "omr", "omr.log")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
