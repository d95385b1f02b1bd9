//go:build linux

package hwio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// cdevPort drives lines through the Linux GPIO character device.
type cdevPort struct {
	chip *gpiocdev.Chip
}

func newCdevPort(chipName string) (Port, error) {
	if chipName == "" {
		chipName = "gpiochip0"
	}
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}
	return &cdevPort{chip: chip}, nil
}

func (p *cdevPort) RequestInput(offset int, edge Edge, h EventHandler) (InputLine, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput}

	switch edge {
	case EdgeRising:
		opts = append(opts, gpiocdev.WithRisingEdge)
	case EdgeFalling:
		opts = append(opts, gpiocdev.WithFallingEdge)
	case EdgeBoth:
		opts = append(opts, gpiocdev.WithBothEdges)
	}

	if edge != EdgeNone && h != nil {
		opts = append(opts, gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			h(Event{
				Offset:    evt.Offset,
				Rising:    evt.Type == gpiocdev.LineEventRisingEdge,
				Timestamp: time.Now(),
			})
		}))
	}

	line, err := p.chip.RequestLine(offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input line %d: %w", offset, err)
	}
	return &cdevInput{line: line}, nil
}

func (p *cdevPort) RequestOutput(offset int, initialHigh bool) (OutputLine, error) {
	initial := 0
	if initialHigh {
		initial = 1
	}
	line, err := p.chip.RequestLine(offset, gpiocdev.AsOutput(initial))
	if err != nil {
		return nil, fmt.Errorf("request output line %d: %w", offset, err)
	}
	return &cdevOutput{line: line}, nil
}

func (p *cdevPort) Close() error {
	return p.chip.Close()
}

type cdevInput struct {
	line *gpiocdev.Line
}

func (l *cdevInput) Read() (bool, error) {
	v, err := l.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line %d: %w", l.line.Offset(), err)
	}
	return v != 0, nil
}

func (l *cdevInput) Close() error {
	return l.line.Close()
}

type cdevOutput struct {
	line *gpiocdev.Line
}

func (l *cdevOutput) Set(high bool) error {
	v := 0
	if high {
		v = 1
	}
	if err := l.line.SetValue(v); err != nil {
		return fmt.Errorf("set line %d: %w", l.line.Offset(), err)
	}
	return nil
}

func (l *cdevOutput) Close() error {
	return l.line.Close()
}
