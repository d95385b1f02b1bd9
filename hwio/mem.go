//go:build linux

package hwio

import (
	"fmt"

	"github.com/hjkoskel/govattu"
)

// memPort drives output lines through govattu's memory-mapped register
// access. It has no edge-event support, so it can serve relays and
// indicators but not sensors.
type memPort struct {
	hw govattu.Vattu
}

func newMemPort() (Port, error) {
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open mem gpio: %w", err)
	}
	return &memPort{hw: hw}, nil
}

func (p *memPort) RequestInput(offset int, edge Edge, h EventHandler) (InputLine, error) {
	return nil, ErrOutputOnly
}

func (p *memPort) RequestOutput(offset int, initialHigh bool) (OutputLine, error) {
	pin := uint8(offset)
	p.hw.PinMode(pin, govattu.ALToutput)
	out := &memOutput{hw: p.hw, pin: pin}
	if err := out.Set(initialHigh); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *memPort) Close() error {
	return p.hw.Close()
}

type memOutput struct {
	hw  govattu.Vattu
	pin uint8
}

func (l *memOutput) Set(high bool) error {
	if high {
		l.hw.PinSet(l.pin)
	} else {
		l.hw.PinClear(l.pin)
	}
	return nil
}

func (l *memOutput) Close() error {
	l.hw.PinClear(l.pin)
	return nil
}
