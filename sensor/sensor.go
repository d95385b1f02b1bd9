// Package sensor turns raw digital-I/O edge events into stable tri-state
// detection results. Two engines are provided for GPIO hardware: Sonar
// measures time-of-flight distance with a trigger/echo pair, and Proximity
// debounces a single switch input. SerialRanger covers rangefinders that
// report distance over a serial port instead.
//
// Each engine processes its own edge stream on a single goroutine, so a
// result is never written by two measurement cycles concurrently.
package sensor

import (
	"github.com/rs/zerolog"

	"garaged/hwio"
	"garaged/schedule"
)

// Deps holds the injected collaborators shared by the sensor engines.
type Deps struct {
	Port  hwio.Port
	Clock schedule.Clock
	Log   zerolog.Logger
}

// DetectionResult is the tri-state outcome of a sensor engine.
type DetectionResult int

const (
	ResultUnknown DetectionResult = iota
	ResultUndetected
	ResultDetected
)

func (r DetectionResult) String() string {
	switch r {
	case ResultUndetected:
		return "undetected"
	case ResultDetected:
		return "detected"
	default:
		return "unknown"
	}
}

// Handlers holds callback functions for sensor events. Callbacks are
// invoked from the sensor's own goroutine and must not block.
type Handlers struct {
	// OnResult is called when the detection result changes. Duplicate
	// results are suppressed.
	OnResult func(DetectionResult)

	// OnDistance is called by ranging sensors when the measured distance
	// moves by at least the configured change threshold.
	OnDistance func(meters float64)
}

// Sensor is a running detection engine.
type Sensor interface {
	// Start claims hardware resources and begins processing. It fails
	// with a wrapped error if the lines cannot be requested.
	Start() error

	// Terminate stops processing and releases hardware resources. It is
	// idempotent and safe-defaults any output lines.
	Terminate()

	// Result returns the current detection result.
	Result() DetectionResult
}

// emit publishes a result change through h, if registered.
func (h Handlers) emit(r DetectionResult) {
	if h.OnResult != nil {
		h.OnResult(r)
	}
}

// emitDistance publishes a distance change through h, if registered.
func (h Handlers) emitDistance(meters float64) {
	if h.OnDistance != nil {
		h.OnDistance(meters)
	}
}
