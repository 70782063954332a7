package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Everything goes to stderr so stdout
// stays clean for command output.
var Log zerolog.Logger

func SetLogger(debug bool) {
	level := zerolog.InfoLevel

	if debug || os.Getenv("BASALT_DEBUG") != "" {
		level = zerolog.DebugLevel
	}

	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
