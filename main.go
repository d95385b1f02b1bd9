package main

import (
	"os"

	"github.com/rs/zerolog"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := newRootCommand(log).Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
