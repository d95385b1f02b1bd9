// Package indicator drives the per-door state indicator output (typically a
// panel LED wired so that "lit" means the door is confirmed shut).
package indicator

import (
	"github.com/rs/zerolog"

	"garaged/hwio"
)

// Indicator is the interface for door state indicator implementations.
type Indicator interface {
	// Closed shows a confirmed-shut door.
	Closed()

	// Open shows a confirmed-open door.
	Open()

	// Moving shows a door in transit.
	Moving()

	// Unknown shows an unresolved door state.
	Unknown()

	// Toggle inverts the current output level. Used by identification mode.
	Toggle()

	// Shutdown forces the safe default level.
	Shutdown()

	// Release releases any hardware resources.
	Release() error
}

// Config holds configuration for indicator implementations.
type Config struct {
	// Pin is the indicator output line. Nil disables the indicator.
	Pin *int `yaml:"pin"`
}

// New creates an Indicator based on the provided configuration.
func New(cfg Config, port hwio.Port, log zerolog.Logger) (Indicator, error) {
	if cfg.Pin == nil {
		return &Noop{}, nil
	}
	return NewLine(port, *cfg.Pin, log)
}
