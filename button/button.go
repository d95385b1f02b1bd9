// Package button reads manual door-button presses from Linux input devices.
// Wireless keyfob receivers commonly enumerate as keyboards; a configured
// key on such a device acts like the wall button.
package button

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kenshaw/evdev"
	"github.com/rs/zerolog"
)

// Config holds one evdev button binding.
type Config struct {
	Door   string `yaml:"door" validate:"required"`   // door the button drives
	Device string `yaml:"device" validate:"required"` // e.g. "/dev/input/event0"
	Key    string `yaml:"key"`                        // key name or numeric code; empty = any key
}

// PressFunc is called on each key-down of the bound key.
type PressFunc func()

// Evdev watches a single input device for presses of one key.
type Evdev struct {
	device  *evdev.Evdev
	key     evdev.KeyType
	anyKey  bool
	onPress PressFunc
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEvdev opens the input device and resolves the configured key.
func NewEvdev(cfg Config, onPress PressFunc, log zerolog.Logger) (*Evdev, error) {
	dev, err := evdev.OpenFile(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open evdev %s: %w", cfg.Device, err)
	}

	log.Info().
		Str("device", cfg.Device).
		Str("name", dev.Name()).
		Msg("opened button device")

	e := &Evdev{
		device:  dev,
		onPress: onPress,
		log:     log,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if cfg.Key == "" {
		e.anyKey = true
	} else {
		key, err := parseKey(cfg.Key)
		if err != nil {
			dev.Close()
			return nil, err
		}
		e.key = key
	}
	return e, nil
}

// Run polls the device until Close. It should be called as a goroutine.
func (e *Evdev) Run() {
	ch := e.device.Poll(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case event := <-ch:
			if event == nil {
				e.log.Warn().Msg("button device closed")
				return
			}
			if _, ok := event.Type.(evdev.KeyType); !ok {
				continue
			}
			// Key-down only; repeats and releases are ignored.
			if event.Value != 1 {
				continue
			}
			if !e.anyKey && evdev.KeyType(event.Code) != e.key {
				continue
			}
			e.onPress()
		}
	}
}

// Close stops the poll loop and releases the device.
func (e *Evdev) Close() error {
	e.cancel()
	if e.device == nil {
		return nil
	}
	return e.device.Close()
}

// parseKey resolves a configured key to an evdev key code. Common names are
// accepted; anything else must be a numeric code.
func parseKey(name string) (evdev.KeyType, error) {
	switch strings.ToLower(name) {
	case "enter":
		return evdev.KeyEnter, nil
	case "space":
		return evdev.KeySpace, nil
	case "esc", "escape":
		return evdev.KeyEscape, nil
	case "a":
		return evdev.KeyA, nil
	case "b":
		return evdev.KeyB, nil
	case "c":
		return evdev.KeyC, nil
	case "d":
		return evdev.KeyD, nil
	default:
		code, err := strconv.Atoi(name)
		if err != nil {
			return 0, fmt.Errorf("unknown key: %s", name)
		}
		return evdev.KeyType(code), nil
	}
}
