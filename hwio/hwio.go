// Package hwio abstracts digital I/O lines behind a Port interface so the
// ranging, debounce and actuation logic can run against real GPIO hardware
// or against fakes in tests.
//
// Three hardware drivers are provided: "cdev" uses the Linux GPIO character
// device and supports edge events, "rpi" uses memory-mapped Raspberry Pi
// registers with interrupt watches, and "mem" is an output-only
// memory-mapped driver for boards where the character device is unavailable.
package hwio

import (
	"errors"
	"fmt"
	"time"
)

// Edge selects which transitions on an input line generate events.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

// Event is a single edge transition on an input line.
type Event struct {
	Offset    int
	Rising    bool
	Timestamp time.Time
}

// EventHandler receives edge events. Handlers are invoked from the driver's
// event goroutine and must not block.
type EventHandler func(Event)

// InputLine is a requested digital input.
type InputLine interface {
	// Read returns the current level (true = high).
	Read() (bool, error)
	Close() error
}

// OutputLine is a requested digital output.
type OutputLine interface {
	// Set drives the line (true = high).
	Set(high bool) error
	Close() error
}

// Port hands out input and output lines by offset.
type Port interface {
	// RequestInput claims a line as input. If edge is not EdgeNone, h is
	// called for each matching transition.
	RequestInput(offset int, edge Edge, h EventHandler) (InputLine, error)

	// RequestOutput claims a line as output at the given initial level.
	RequestOutput(offset int, initialHigh bool) (OutputLine, error)

	Close() error
}

// ErrOutputOnly is returned by drivers that cannot provide inputs.
var ErrOutputOnly = errors.New("hwio: driver is output-only")

// Config selects and configures a port driver.
type Config struct {
	Type string `yaml:"type" validate:"omitempty,oneof=cdev rpi mem noop"` // default "cdev"
	Chip string `yaml:"chip"`                                              // cdev chip name, default "gpiochip0"
}

// New creates a Port based on the provided configuration.
func New(cfg Config) (Port, error) {
	switch cfg.Type {
	case "", "cdev":
		return newCdevPort(cfg.Chip)
	case "rpi":
		return newRPiPort()
	case "mem":
		return newMemPort()
	case "noop":
		return &NoopPort{}, nil
	default:
		return nil, fmt.Errorf("hwio: unknown driver %q", cfg.Type)
	}
}
