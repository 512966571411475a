package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a JSON structured logger that writes to stdout.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "wellybot").
		Logger()
}
