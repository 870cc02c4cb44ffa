package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	defaultLogger zerolog.Logger
	loggerOnce    sync.Once
)

// GetDefaultLogger returns the process-wide root logger. Components derive
// their own logger via .With().Str("component", name).Logger().
func GetDefaultLogger() *zerolog.Logger {
	loggerOnce.Do(initDefaultLogger)
	return &defaultLogger
}

func initDefaultLogger() {
	level := parseLevel(os.Getenv("EQHOST_LOG_LEVEL"))

	var w zerolog.LevelWriter
	if isTerminal() {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.StampMilli,
		})
	} else {
		w = zerolog.MultiLevelWriter(os.Stderr)
	}

	defaultLogger = zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
