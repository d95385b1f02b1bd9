package sensor

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Serial rangers (MaxBotix style) emit ASCII frames of the form "Rnnnn\r"
// where nnnn is the range in millimeters.
const (
	serialFrameStart = 'R'
	serialFrameEnd   = '\r'
	defaultBaudRate  = 9600
)

// SerialRangerConfig configures a serial-attached rangefinder.
type SerialRangerConfig struct {
	Device string `yaml:"device" validate:"required"`
	Baud   int    `yaml:"baud"` // default 9600

	// ChangeThresholdMeters gates distance-change notifications.
	// Default 0.08, must be positive.
	ChangeThresholdMeters float64 `yaml:"change_threshold_meters"`

	// Detection range. Detected iff min <= distance <= max.
	DetectMinMeters float64 `yaml:"detect_min_meters"`
	DetectMaxMeters float64 `yaml:"detect_max_meters"`
}

func (c *SerialRangerConfig) normalize() error {
	if c.Device == "" {
		return fmt.Errorf("serial ranger: device is required")
	}
	if c.Baud == 0 {
		c.Baud = defaultBaudRate
	}
	if c.Baud < 0 {
		return fmt.Errorf("serial ranger: invalid baud %d", c.Baud)
	}
	if c.ChangeThresholdMeters == 0 {
		c.ChangeThresholdMeters = defaultChangeThreshold
	}
	if c.ChangeThresholdMeters <= 0 {
		return fmt.Errorf("serial ranger: change threshold must be positive, got %.3f", c.ChangeThresholdMeters)
	}
	if c.DetectMinMeters < 0 {
		return fmt.Errorf("serial ranger: detect min must be >= 0, got %.3f", c.DetectMinMeters)
	}
	if c.DetectMaxMeters <= c.DetectMinMeters {
		return fmt.Errorf("serial ranger: detect max %.3f must exceed min %.3f", c.DetectMaxMeters, c.DetectMinMeters)
	}
	return nil
}

// SerialRanger reads distance frames from a serial rangefinder and applies
// the same detection contract as the GPIO sonar.
type SerialRanger struct {
	cfg      SerialRangerConfig
	log      zerolog.Logger
	handlers Handlers
	now      func() time.Time

	quit chan struct{}
	done chan struct{}

	mu         sync.Mutex
	port       serial.Port
	reading    Reading
	reference  float64
	refValid   bool
	result     DetectionResult
	started    bool
	terminated bool
}

// NewSerialRanger validates the configuration and creates a stopped ranger.
func NewSerialRanger(cfg SerialRangerConfig, deps Deps, handlers Handlers) (*SerialRanger, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &SerialRanger{
		cfg:      cfg,
		log:      deps.Log.With().Str("sensor", "serial-ranger").Str("device", cfg.Device).Logger(),
		handlers: handlers,
		now:      deps.Clock.Now,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		reading:  Reading{Distance: invalidDistance},
	}, nil
}

// Start opens the serial port and begins consuming range frames.
func (s *SerialRanger) Start() error {
	s.mu.Lock()
	if s.started || s.terminated {
		s.mu.Unlock()
		return fmt.Errorf("serial ranger: already started")
	}
	s.started = true
	s.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: s.cfg.Baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.Device, mode)
	if err != nil {
		return fmt.Errorf("serial ranger: open %s: %w", s.cfg.Device, err)
	}
	// A read timeout lets the loop notice Terminate without a pending frame.
	if err := port.SetReadTimeout(250 * time.Millisecond); err != nil {
		s.log.Warn().Err(err).Msg("set read timeout")
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	go s.run(port)
	return nil
}

// Terminate stops the reader and closes the port.
func (s *SerialRanger) Terminate() {
	s.mu.Lock()
	if s.terminated || !s.started {
		s.terminated = true
		s.mu.Unlock()
		return
	}
	s.terminated = true
	port := s.port
	s.mu.Unlock()

	close(s.quit)
	if port != nil {
		port.Close()
	}
	<-s.done
}

// Result returns the current detection result.
func (s *SerialRanger) Result() DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// LastReading returns the most recent measurement.
func (s *SerialRanger) LastReading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

func (s *SerialRanger) run(port serial.Port) {
	defer close(s.done)

	var frame []byte
	inFrame := false
	buf := make([]byte, 64)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("serial read")
			time.Sleep(time.Second)
			continue
		}

		for _, b := range buf[:n] {
			switch {
			case b == serialFrameStart:
				frame = frame[:0]
				inFrame = true
			case b == serialFrameEnd && inFrame:
				s.consumeFrame(string(frame))
				inFrame = false
			case inFrame:
				if len(frame) < 8 {
					frame = append(frame, b)
				} else {
					// Runaway frame; discard until the next start byte.
					inFrame = false
				}
			}
		}
	}
}

func (s *SerialRanger) consumeFrame(body string) {
	mm, err := strconv.Atoi(body)
	if err != nil {
		s.log.Debug().Str("frame", body).Msg("discarding malformed range frame")
		return
	}
	s.publishDistance(float64(mm)/1000.0, s.now())
}

func (s *SerialRanger) publishDistance(meters float64, at time.Time) {
	s.mu.Lock()
	s.reading = Reading{Distance: meters, At: at}
	notify := !s.refValid || abs(meters-s.reference) >= s.cfg.ChangeThresholdMeters
	if notify {
		s.refValid = true
		s.reference = meters
	}
	s.mu.Unlock()

	if notify {
		s.handlers.emitDistance(meters)
	}

	r := ResultUndetected
	if meters >= s.cfg.DetectMinMeters && meters <= s.cfg.DetectMaxMeters {
		r = ResultDetected
	}
	s.setResult(r)
}

func (s *SerialRanger) setResult(r DetectionResult) {
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
