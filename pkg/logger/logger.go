package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger with JSON output to stdout.
// The level is taken from the config (e.g. "info", "debug", "error").
func Init(logLevel string) {
	log.Logger = log.Output(os.Stdout).With().Timestamp().Logger()

	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msgf("Logger initialized with level: %s", zerolog.GlobalLevel().String())
}

// Component returns a sub-logger tagged with the given component name.
// Every long-lived component derives its logger through here so log lines
// can be filtered per subsystem.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
