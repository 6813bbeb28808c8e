// Package log provides named zerolog-backed loggers shared across the
// sync core. Each component fetches a handle once via GetLogger and the
// daemon can reconfigure every handle at startup with SetLoggersConfig.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// DefaultLogConfig is used for handles created before the daemon has loaded
// its configuration.
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

// LogConfig selects output level and format for all handles.
type LogConfig struct {
	Level  string
	Format string
	Color  bool
}

// LogHandle is a named zerolog logger.
type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Infof(msg string, args ...any) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...any) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...any) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...any) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

// E logs err and reports whether it was non-nil.
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

// GetLogger returns the handle registered under name, creating it with the
// default configuration on first use.
func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, logWriter)
		loggers[name] = logger
	}

	return logger
}

// SetLoggersConfig rebuilds every registered handle with config. Existing
// handle pointers held by components keep working.
func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for name, handle := range loggers {
		rebuilt := NewLogger(config, name, logWriter)
		handle.Logger = rebuilt.Logger
	}
}

// NewLogger builds a standalone handle for module with the given config.
func NewLogger(config *LogConfig, module string, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error parsing log level %q, defaulting to info\n", config.Level)
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !config.Color
		output.FormatCaller = func(i any) string {
			return formatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &LogHandle{Logger: &logger, name: module}
}

func formatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		parts := strings.Split(c, "/")
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return module + " " + c
}
