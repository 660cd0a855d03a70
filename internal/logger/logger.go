package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global logger instance
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Initialize sets up the global logger. Console output is used unless format is "json",
// which is what the log shipper in production expects.
func Initialize(logLevel, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if strings.EqualFold(format, "json") {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	zerolog.SetGlobalLevel(parseLevel(logLevel))

	// Replace standard log with zerolog
	log.Logger = Logger
}

func parseLevel(logLevel string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetForComponent returns a logger with a component field for better filtering.
// The logger is resolved at call time, so package-level component loggers should be
// created after Initialize or fetched lazily.
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
