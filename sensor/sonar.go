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
	// speedOfSound is the round-trip propagation speed used for ranging.
	speedOfSound = 343.0 // m/s

	// triggerPulseWidth is how long the trigger line is held high.
	triggerPulseWidth = time.Millisecond

	// minResolvableDistance is the closest distance the sensor can time.
	// When the echo line is already high at arm time the object is closer
	// than this, and half of it is reported instead.
	minResolvableDistance = 0.02 // m

	defaultSonarInterval  = 5.0  // s
	minSonarInterval      = 0.25 // s
	defaultChangeThreshold = 0.08 // m
)

// invalidDistance is the sentinel stored while no valid measurement exists.
const invalidDistance = -1.0

// EchoDistance converts an echo pulse width into a one-way distance,
// halving for the round trip.
func EchoDistance(elapsed time.Duration) float64 {
	return speedOfSound * elapsed.Seconds() / 2
}

// Reading is one ranging measurement.
type Reading struct {
	Distance float64 // meters; invalidDistance when the ranger is inactive
	At       time.Time
}

// Valid reports whether the reading carries a real measurement.
func (r Reading) Valid() bool { return r.Distance >= 0 }

// SonarConfig configures a trigger/echo time-of-flight ranger.
type SonarConfig struct {
	TriggerPin int `yaml:"trigger_pin" validate:"min=0"`
	EchoPin    int `yaml:"echo_pin" validate:"min=0"`

	// IntervalSeconds is the ranging cadence. Default 5.0, minimum 0.25.
	IntervalSeconds float64 `yaml:"interval_seconds"`

	// ChangeThresholdMeters gates distance-change notifications.
	// Default 0.08, must be positive.
	ChangeThresholdMeters float64 `yaml:"change_threshold_meters"`

	// Detection range. Detected iff min <= distance <= max.
	DetectMinMeters float64 `yaml:"detect_min_meters"`
	DetectMaxMeters float64 `yaml:"detect_max_meters"`
}

func (c *SonarConfig) normalize() error {
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = defaultSonarInterval
	}
	if c.IntervalSeconds < minSonarInterval {
		return fmt.Errorf("sonar: interval %.3fs below minimum %.2fs", c.IntervalSeconds, minSonarInterval)
	}
	if c.ChangeThresholdMeters == 0 {
		c.ChangeThresholdMeters = defaultChangeThreshold
	}
	if c.ChangeThresholdMeters <= 0 {
		return fmt.Errorf("sonar: change threshold must be positive, got %.3f", c.ChangeThresholdMeters)
	}
	if c.DetectMinMeters < 0 {
		return fmt.Errorf("sonar: detect min must be >= 0, got %.3f", c.DetectMinMeters)
	}
	if c.DetectMaxMeters <= c.DetectMinMeters {
		return fmt.Errorf("sonar: detect max %.3f must exceed min %.3f", c.DetectMaxMeters, c.DetectMinMeters)
	}
	if c.EchoPin == c.TriggerPin {
		return fmt.Errorf("sonar: trigger and echo share pin %d", c.TriggerPin)
	}
	return nil
}

func (c SonarConfig) interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// rangingState is the trigger/echo cycle position.
type rangingState int

const (
	rangingInactive rangingState = iota // no measurement in flight
	rangingArmed                        // trigger sent, waiting for echo rise
	rangingPending                      // echo rose, waiting for echo fall
)

func (s rangingState) String() string {
	switch s {
	case rangingArmed:
		return "armed"
	case rangingPending:
		return "pending"
	default:
		return "inactive"
	}
}

type sonarMsgKind int

const (
	sonarMsgTick sonarMsgKind = iota
	sonarMsgPulseEnd
	sonarMsgEdge
)

type sonarMsg struct {
	kind   sonarMsgKind
	gen    uint64
	rising bool
	ts     time.Time
}

// Sonar owns the trigger/echo timing state machine for one ultrasonic
// rangefinder and maps the measured distance into a DetectionResult.
type Sonar struct {
	cfg      SonarConfig
	port     hwio.Port
	clock    schedule.Clock
	log      zerolog.Logger
	handlers Handlers

	msgs chan sonarMsg
	quit chan struct{}
	done chan struct{}

	// Owned by the run goroutine.
	state     rangingState
	trigger   hwio.OutputLine
	echo      hwio.InputLine
	risingAt  time.Time
	gen       uint64
	tickTimer schedule.Timer
	pulseTimer schedule.Timer
	reading   Reading
	reference float64
	refValid  bool

	mu         sync.Mutex
	result     DetectionResult
	started    bool
	terminated bool
}

// NewSonar validates the configuration and creates a stopped ranger.
func NewSonar(cfg SonarConfig, deps Deps, handlers Handlers) (*Sonar, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Sonar{
		cfg:      cfg,
		port:     deps.Port,
		clock:    deps.Clock,
		log:      deps.Log.With().Str("sensor", "sonar").Int("echo", cfg.EchoPin).Logger(),
		handlers: handlers,
		msgs:     make(chan sonarMsg, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		reading:  Reading{Distance: invalidDistance},
	}, nil
}

// Start claims the trigger and echo lines and begins the ranging cycle.
func (s *Sonar) Start() error {
	s.mu.Lock()
	if s.started || s.terminated {
		s.mu.Unlock()
		return fmt.Errorf("sonar: already started")
	}
	s.started = true
	s.mu.Unlock()

	trigger, err := s.port.RequestOutput(s.cfg.TriggerPin, false)
	if err != nil {
		return fmt.Errorf("sonar: trigger line: %w", err)
	}
	echo, err := s.port.RequestInput(s.cfg.EchoPin, hwio.EdgeBoth, func(e hwio.Event) {
		s.post(sonarMsg{kind: sonarMsgEdge, rising: e.Rising, ts: e.Timestamp})
	})
	if err != nil {
		trigger.Close()
		return fmt.Errorf("sonar: echo line: %w", err)
	}
	s.trigger = trigger
	s.echo = echo

	s.scheduleTick()
	go s.run()
	return nil
}

// Terminate stops ranging, drives the trigger low and releases the lines.
func (s *Sonar) Terminate() {
	s.mu.Lock()
	if s.terminated || !s.started {
		s.terminated = true
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	close(s.quit)
	<-s.done
}

// Result returns the current detection result.
func (s *Sonar) Result() DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// LastReading returns the most recent measurement; Valid() is false while
// the ranger is inactive or has been reset.
func (s *Sonar) LastReading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

func (s *Sonar) post(m sonarMsg) {
	select {
	case s.msgs <- m:
	default:
		s.log.Warn().Msg("sonar event queue full, dropping event")
	}
}

func (s *Sonar) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.deactivate()
			if err := s.trigger.Set(false); err != nil {
				s.log.Warn().Err(err).Msg("safe-default trigger on terminate")
			}
			s.trigger.Close()
			s.echo.Close()
			return
		case m := <-s.msgs:
			s.handle(m)
		}
	}
}

func (s *Sonar) handle(m sonarMsg) {
	switch m.kind {
	case sonarMsgTick:
		if m.gen != s.gen {
			return // stale timer
		}
		s.onTick()
	case sonarMsgPulseEnd:
		if m.gen != s.gen {
			return
		}
		if err := s.trigger.Set(false); err != nil {
			s.log.Warn().Err(err).Msg("end trigger pulse")
			s.resync()
		}
	case sonarMsgEdge:
		s.onEdge(m.rising, m.ts)
	}
}

// scheduleTick arms the next ranging cycle. The generation counter makes a
// timer armed before a deactivation provably inert.
func (s *Sonar) scheduleTick() {
	gen := s.gen
	s.tickTimer = s.clock.AfterFunc(s.cfg.interval(), func() {
		s.post(sonarMsg{kind: sonarMsgTick, gen: gen})
	})
}

func (s *Sonar) onTick() {
	if s.state != rangingInactive {
		// Previous cycle never completed; the echo fall was lost.
		s.log.Error().Stringer("state", s.state).Msg("ranging overlap, resynchronizing")
		s.resync()
		return
	}

	s.scheduleTick()

	if err := s.trigger.Set(true); err != nil {
		s.log.Warn().Err(err).Msg("fire trigger")
		s.resync()
		return
	}
	gen := s.gen
	s.pulseTimer = s.clock.AfterFunc(triggerPulseWidth, func() {
		s.post(sonarMsg{kind: sonarMsgPulseEnd, gen: gen})
	})
	s.state = rangingArmed

	high, err := s.echo.Read()
	if err != nil {
		s.log.Warn().Err(err).Msg("read echo at arm")
		s.resync()
		return
	}
	if high {
		// Object too close to time: the echo never dropped between
		// cycles. Hardware limitation, reported as half the minimum
		// resolvable distance.
		s.log.Debug().Msg("echo already high at arm, forcing minimum reading")
		s.publishDistance(minResolvableDistance/2, s.clock.Now())
		s.state = rangingInactive
		return
	}
}

func (s *Sonar) onEdge(rising bool, ts time.Time) {
	switch {
	case s.state == rangingArmed && rising:
		s.risingAt = ts
		s.state = rangingPending
	case s.state == rangingPending && !rising:
		elapsed := ts.Sub(s.risingAt)
		s.state = rangingInactive
		if elapsed < 0 {
			s.log.Warn().Dur("elapsed", elapsed).Msg("echo edges out of order")
			return
		}
		s.publishDistance(EchoDistance(elapsed), ts)
	default:
		// Noise outside the expected cycle position.
		s.log.Debug().Bool("rising", rising).Stringer("state", s.state).Msg("ignoring unexpected echo edge")
	}
}

// resync deactivates and immediately reactivates the ranger. Transient I/O
// failures and overlapped cycles recover here instead of propagating.
func (s *Sonar) resync() {
	s.deactivate()
	s.scheduleTick()
}

// deactivate resets the state machine to inactive, cancels outstanding
// timers and invalidates the cached reading.
func (s *Sonar) deactivate() {
	s.gen++
	if s.tickTimer != nil {
		s.tickTimer.Stop()
		s.tickTimer = nil
	}
	if s.pulseTimer != nil {
		s.pulseTimer.Stop()
		s.pulseTimer = nil
	}
	s.state = rangingInactive
	s.refValid = false

	s.mu.Lock()
	s.reading = Reading{Distance: invalidDistance}
	s.mu.Unlock()
}

func (s *Sonar) publishDistance(meters float64, at time.Time) {
	s.mu.Lock()
	s.reading = Reading{Distance: meters, At: at}
	s.mu.Unlock()

	if !s.refValid || abs(meters-s.reference) >= s.cfg.ChangeThresholdMeters {
		s.refValid = true
		s.reference = meters
		s.handlers.emitDistance(meters)
	}

	r := ResultUndetected
	if meters >= s.cfg.DetectMinMeters && meters <= s.cfg.DetectMaxMeters {
		r = ResultDetected
	}
	s.setResult(r)
}

func (s *Sonar) setResult(r DetectionResult) {
	s.mu.Lock()
	if s.result == r {
		s.mu.Unlock()
		return
	}
	old := s.result
	s.result = r
	s.mu.Unlock()

	s.log.Debug().Stringer("from", old).Stringer("to", r).Msg("detection result changed")
	s.handlers.emit(r)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
