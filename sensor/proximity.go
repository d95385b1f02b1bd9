package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"garaged/hwio"
	"garaged/schedule"
)

const (
	defaultDebounce = 1.0 // s
	minDebounce     = 1.0 // s
)

// Proximity switch wiring modes.
const (
	ModeNormallyClosed = "nc"
	ModeNormallyOpen   = "no"
)

// ProximityConfig configures a debounced switch input.
type ProximityConfig struct {
	Pin int `yaml:"pin" validate:"min=0"`

	// DebounceSeconds is the stable window required before a level is
	// accepted. Default 1.0, minimum 1.0.
	DebounceSeconds float64 `yaml:"debounce_seconds"`

	// Mode is the switch polarity: "nc" (default) or "no".
	Mode string `yaml:"mode"`
}

func (c *ProximityConfig) normalize() error {
	if c.DebounceSeconds == 0 {
		c.DebounceSeconds = defaultDebounce
	}
	if c.DebounceSeconds < minDebounce {
		return fmt.Errorf("proximity: debounce %.2fs below minimum %.1fs", c.DebounceSeconds, minDebounce)
	}
	switch c.Mode {
	case "":
		c.Mode = ModeNormallyClosed
	case ModeNormallyClosed, "normally-closed":
		c.Mode = ModeNormallyClosed
	case ModeNormallyOpen, "normally-open":
		c.Mode = ModeNormallyOpen
	default:
		return fmt.Errorf("proximity: unknown mode %q", c.Mode)
	}
	return nil
}

func (c ProximityConfig) window() time.Duration {
	return time.Duration(c.DebounceSeconds * float64(time.Second))
}

// detected applies the polarity correction to a raw level.
func (c ProximityConfig) detected(level bool) DetectionResult {
	hit := level
	if c.Mode == ModeNormallyOpen {
		hit = !level
	}
	if hit {
		return ResultDetected
	}
	return ResultUndetected
}

type proximityMsgKind int

const (
	proximityMsgEdge proximityMsgKind = iota
	proximityMsgSettle
)

type proximityMsg struct {
	kind proximityMsgKind
	gen  uint64
}

// Proximity produces a stable DetectionResult from a noisy switch input by
// restarting a debounce window on every raw edge and accepting the level
// only once the window elapses undisturbed.
type Proximity struct {
	cfg      ProximityConfig
	port     hwio.Port
	clock    schedule.Clock
	log      zerolog.Logger
	handlers Handlers

	msgs chan proximityMsg
	quit chan struct{}
	done chan struct{}

	// Owned by the run goroutine.
	line  hwio.InputLine
	gen   uint64
	timer schedule.Timer

	mu         sync.Mutex
	result     DetectionResult
	started    bool
	terminated bool
}

// NewProximity validates the configuration and creates a stopped debouncer.
func NewProximity(cfg ProximityConfig, deps Deps, handlers Handlers) (*Proximity, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Proximity{
		cfg:      cfg,
		port:     deps.Port,
		clock:    deps.Clock,
		log:      deps.Log.With().Str("sensor", "proximity").Int("pin", cfg.Pin).Logger(),
		handlers: handlers,
		msgs:     make(chan proximityMsg, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start claims the input line, seeds the result with an immediate read and
// begins debouncing edges.
func (p *Proximity) Start() error {
	p.mu.Lock()
	if p.started || p.terminated {
		p.mu.Unlock()
		return fmt.Errorf("proximity: already started")
	}
	p.started = true
	p.mu.Unlock()

	line, err := p.port.RequestInput(p.cfg.Pin, hwio.EdgeBoth, func(hwio.Event) {
		p.post(proximityMsg{kind: proximityMsgEdge})
	})
	if err != nil {
		return fmt.Errorf("proximity: input line: %w", err)
	}
	p.line = line

	// Seed without waiting a debounce window.
	level, err := line.Read()
	if err != nil {
		line.Close()
		return fmt.Errorf("proximity: seed read: %w", err)
	}
	p.setResult(p.cfg.detected(level))

	go p.run()
	return nil
}

// Terminate stops debouncing and releases the input line.
func (p *Proximity) Terminate() {
	p.mu.Lock()
	if p.terminated || !p.started {
		p.terminated = true
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.mu.Unlock()

	close(p.quit)
	<-p.done
}

// Result returns the current detection result.
func (p *Proximity) Result() DetectionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *Proximity) post(m proximityMsg) {
	select {
	case p.msgs <- m:
	default:
		p.log.Warn().Msg("proximity event queue full, dropping event")
	}
}

func (p *Proximity) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			if p.timer != nil {
				p.timer.Stop()
			}
			p.line.Close()
			return
		case m := <-p.msgs:
			p.handle(m)
		}
	}
}

func (p *Proximity) handle(m proximityMsg) {
	switch m.kind {
	case proximityMsgEdge:
		// Cancel-and-restart: only a level that stays put for the whole
		// window is accepted.
		p.gen++
		if p.timer != nil {
			p.timer.Stop()
		}
		gen := p.gen
		p.timer = p.clock.AfterFunc(p.cfg.window(), func() {
			p.post(proximityMsg{kind: proximityMsgSettle, gen: gen})
		})
	case proximityMsgSettle:
		if m.gen != p.gen {
			return // superseded by a later edge
		}
		level, err := p.line.Read()
		if err != nil {
			p.log.Warn().Err(err).Msg("read after debounce")
			return
		}
		p.setResult(p.cfg.detected(level))
	}
}

func (p *Proximity) setResult(r DetectionResult) {
	p.mu.Lock()
	if p.result == r {
		p.mu.Unlock()
		return
	}
	old := p.result
	p.result = r
	p.mu.Unlock()

	p.log.Debug().Stringer("from", old).Stringer("to", r).Msg("detection result changed")
	p.handlers.emit(r)
}
