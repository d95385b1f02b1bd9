package indicator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"garaged/hwio"
)

// Line implements Indicator on a single digital output. The line is driven
// high when the door is confirmed shut and low otherwise, so a dark panel
// LED always reads as "not secured".
type Line struct {
	log zerolog.Logger

	mu    sync.Mutex
	out   hwio.OutputLine
	level bool
}

// NewLine creates a line-backed indicator, starting at the safe default
// (off).
func NewLine(port hwio.Port, pin int, log zerolog.Logger) (*Line, error) {
	out, err := port.RequestOutput(pin, false)
	if err != nil {
		return nil, fmt.Errorf("indicator line %d: %w", pin, err)
	}
	return &Line{out: out, log: log.With().Int("indicator", pin).Logger()}, nil
}

// Closed implements Indicator.Closed.
func (l *Line) Closed() { l.set(true) }

// Open implements Indicator.Open.
func (l *Line) Open() { l.set(false) }

// Moving implements Indicator.Moving. The door is not confirmed shut.
func (l *Line) Moving() { l.set(false) }

// Unknown implements Indicator.Unknown.
func (l *Line) Unknown() { l.set(false) }

// Toggle implements Indicator.Toggle.
func (l *Line) Toggle() {
	l.mu.Lock()
	next := !l.level
	l.mu.Unlock()
	l.set(next)
}

// Shutdown implements Indicator.Shutdown.
func (l *Line) Shutdown() { l.set(false) }

// Release implements Indicator.Release.
func (l *Line) Release() error {
	l.set(false)
	return l.out.Close()
}

func (l *Line) set(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.out.Set(high); err != nil {
		// Transient output failures degrade indication, never the door.
		l.log.Warn().Err(err).Msg("indicator write failed")
		return
	}
	l.level = high
}
