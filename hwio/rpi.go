//go:build linux

package hwio

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/gpio"
)

// rpiPort drives lines through memory-mapped Raspberry Pi GPIO registers.
// Edge detection uses the library's interrupt watches.
type rpiPort struct {
	mu     sync.Mutex
	opened int
}

func newRPiPort() (Port, error) {
	if err := gpio.Open(); err != nil {
		return nil, fmt.Errorf("open rpi gpio: %w", err)
	}
	return &rpiPort{}, nil
}

func (p *rpiPort) RequestInput(offset int, edge Edge, h EventHandler) (InputLine, error) {
	pin := gpio.NewPin(offset)
	pin.Input()

	if edge != EdgeNone && h != nil {
		var mode gpio.Edge
		switch edge {
		case EdgeRising:
			mode = gpio.EdgeRising
		case EdgeFalling:
			mode = gpio.EdgeFalling
		default:
			mode = gpio.EdgeBoth
		}
		err := pin.Watch(mode, func(pin *gpio.Pin) {
			h(Event{
				Offset:    offset,
				Rising:    pin.Read() == gpio.High,
				Timestamp: time.Now(),
			})
		})
		if err != nil {
			return nil, fmt.Errorf("watch pin %d: %w", offset, err)
		}
	}

	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	return &rpiInput{pin: pin, watched: edge != EdgeNone && h != nil}, nil
}

func (p *rpiPort) RequestOutput(offset int, initialHigh bool) (OutputLine, error) {
	pin := gpio.NewPin(offset)
	pin.Output()
	pin.Write(gpio.Level(initialHigh))

	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	return &rpiOutput{pin: pin}, nil
}

func (p *rpiPort) Close() error {
	return gpio.Close()
}

type rpiInput struct {
	pin     *gpio.Pin
	watched bool
}

func (l *rpiInput) Read() (bool, error) {
	return l.pin.Read() == gpio.High, nil
}

func (l *rpiInput) Close() error {
	if l.watched {
		l.pin.Unwatch()
	}
	return nil
}

type rpiOutput struct {
	pin *gpio.Pin
}

func (l *rpiOutput) Set(high bool) error {
	l.pin.Write(gpio.Level(high))
	return nil
}

func (l *rpiOutput) Close() error {
	return nil
}
