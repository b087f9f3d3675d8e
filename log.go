package wampy

import (
	"os"

	"github.com/rs/zerolog"
)

// log is the package logger, a no-op unless DEBUG is set or Debug is called.
var log = zerolog.Nop()

// setup logger for package, noop by default
func init() {
	if os.Getenv("DEBUG") != "" {
		Debug()
	}
}

// Debug changes the log output to a human readable stderr writer.
func Debug() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Caller().Str("component", "wampy").Logger()
}

// DebugOff changes the log to a noop logger
func DebugOff() {
	log = zerolog.Nop()
}

// SetLogger allows users to inject their own logger instead of the default one.
// It must be called before any client is started.
func SetLogger(l zerolog.Logger) {
	log = l
}
