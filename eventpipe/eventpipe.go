// Package eventpipe accepts door commands over a named pipe. It exists for
// bench diagnostics: echo a command into the pipe and the daemon treats it
// like the matching hardware or MQTT input.
package eventpipe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // path to named pipe (e.g. "/run/garaged.pipe")
}

// Kind identifies a pipe command.
type Kind int

const (
	// KindButton simulates a manual button press (debounced, overrides lock).
	KindButton Kind = iota
	// KindActivate requests an activation subject to the soft lock.
	KindActivate
	// KindLock sets the soft-lock flag to Event.Locked.
	KindLock
	// KindIdentify starts indicator identification.
	KindIdentify
	// KindLevel injects a simulated sensor level for the door function
	// named by Event.Function.
	KindLevel
)

// Event is one parsed pipe command.
type Event struct {
	Kind     Kind
	Door     string
	Locked   bool
	Function string // "open" or "close", for KindLevel
	Level    bool   // injected level, for KindLevel
}

// EventHandler is called for each command read from the pipe.
type EventHandler func(Event)

// EventPipe listens for commands on a named pipe.
type EventPipe struct {
	path    string
	handler EventHandler
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an EventPipe. Returns nil if path is empty.
func New(cfg Config, handler EventHandler, log zerolog.Logger) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	os.Remove(cfg.Path)

	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &EventPipe{
		path:    cfg.Path,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for commands on the pipe. This should be called as
// a goroutine.
func (ep *EventPipe) Start() {
	ep.log.Info().Str("path", ep.path).Msg("event pipe listening")

	for {
		select {
		case <-ep.ctx.Done():
			return
		default:
		}

		// Blocks until a writer connects.
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			ep.log.Warn().Err(err).Msg("event pipe open")
			continue
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			select {
			case <-ep.ctx.Done():
				file.Close()
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			event, err := parseLine(line)
			if err != nil {
				ep.log.Warn().Err(err).Str("line", line).Msg("event pipe parse")
				continue
			}

			if ep.handler != nil {
				ep.handler(event)
			}
		}

		file.Close()
		// Writer closed the pipe, loop back to wait for the next writer.
	}
}

// Close stops the listener and removes the pipe.
func (ep *EventPipe) Close() error {
	ep.cancel()
	return os.Remove(ep.path)
}

// parseLine parses a command line into an Event.
// Command format:
//
//	button <door>               - Simulated manual button press
//	activate <door>             - Activation request (honors soft lock)
//	lock <door> <on|off>        - Set the soft lock
//	identify <door>             - Blink the door's indicator
//	level <door> <open|close> <0|1> - Inject a simulated sensor level
func parseLine(line string) (Event, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Event{}, fmt.Errorf("empty command")
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "button", "activate", "identify":
		if len(parts) != 2 {
			return Event{}, fmt.Errorf("%s requires a door name", cmd)
		}
		kinds := map[string]Kind{
			"button":   KindButton,
			"activate": KindActivate,
			"identify": KindIdentify,
		}
		return Event{Kind: kinds[cmd], Door: parts[1]}, nil

	case "lock":
		if len(parts) != 3 {
			return Event{}, fmt.Errorf("lock requires <door> <on|off>")
		}
		locked, err := parseFlag(parts[2])
		if err != nil {
			return Event{}, fmt.Errorf("lock: %w", err)
		}
		return Event{Kind: KindLock, Door: parts[1], Locked: locked}, nil

	case "level":
		if len(parts) != 4 {
			return Event{}, fmt.Errorf("level requires <door> <open|close> <0|1>")
		}
		function := strings.ToLower(parts[2])
		if function != "open" && function != "close" {
			return Event{}, fmt.Errorf("invalid sensor function: %s", parts[2])
		}
		level, err := parseFlag(parts[3])
		if err != nil {
			return Event{}, fmt.Errorf("level: %w", err)
		}
		return Event{Kind: KindLevel, Door: parts[1], Function: function, Level: level}, nil

	default:
		return Event{}, fmt.Errorf("unknown command: %s", cmd)
	}
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid value: %s", s)
}
