// Package door fuses two sensor detection results into a five-state door
// model and drives the control relay. Each Door runs a single goroutine
// that serializes every mutation of its state, lock flag and timers, so a
// sensor update and a watchdog expiry can never interleave.
package door

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"garaged/hwio"
	"garaged/indicator"
	"garaged/schedule"
	"garaged/sensor"
)

// Fixed actuation timings. These are properties of the hardware and the
// mechanism, not user configuration.
const (
	relayPulseWidth   = 100 * time.Millisecond
	buttonDebounce    = 500 * time.Millisecond
	activationTimeout = 30 * time.Second
	identifyDuration  = 5 * time.Second
	identifyToggle    = 100 * time.Millisecond
)

// Function names the role a sensor plays for a door.
type Function int

const (
	FunctionOpen Function = iota
	FunctionClose
)

func (f Function) String() string {
	if f == FunctionClose {
		return "close"
	}
	return "open"
}

// Config holds per-door configuration.
type Config struct {
	Name string `yaml:"name" validate:"required"`

	// RelayPin drives the opener control relay (active low).
	RelayPin int `yaml:"relay_pin" validate:"min=0"`

	// ButtonPin is the optional manual push-button input.
	ButtonPin *int `yaml:"button_pin"`

	// Locked is the initial soft-lock flag. Defaults to true.
	Locked *bool `yaml:"locked"`
}

func (c Config) initialLocked() bool {
	if c.Locked == nil {
		return true
	}
	return *c.Locked
}

// Deps holds the injected collaborators for a Door.
type Deps struct {
	Port      hwio.Port
	Clock     schedule.Clock
	Log       zerolog.Logger
	Indicator indicator.Indicator // nil for none
}

// Handlers holds optional callbacks beyond the state-change subscription.
type Handlers struct {
	// OnWatchdogExpired is called when an activation goes unconfirmed and
	// the pre-command state is force-reported. The state-change
	// subscription fires as well; this hook exists for accounting.
	OnWatchdogExpired func(captured State)
}

// StateChangeFunc receives door state transitions.
type StateChangeFunc func(old, new State)

type doorMsgKind int

const (
	msgSensorResult doorMsgKind = iota
	msgActivate
	msgButtonEdge
	msgButtonSettle
	msgWatchdog
	msgIdentifyStart
	msgIdentifyTick
	msgSetLocked
)

type doorMsg struct {
	kind     doorMsgKind
	gen      uint64
	function Function
	result   sensor.DetectionResult
	override bool
	locked   bool
}

// Door owns one garage door: its two sensors, relay, indicator and manual
// button.
type Door struct {
	cfg      Config
	port     hwio.Port
	clock    schedule.Clock
	log      zerolog.Logger
	ind      indicator.Indicator
	handlers Handlers

	openSensor  sensor.Sensor
	closeSensor sensor.Sensor

	msgs chan doorMsg
	ctl  chan doorMsg
	quit chan struct{}
	done chan struct{}

	// relayGen guards the relay pulse-end callback, which writes the line
	// directly instead of going through the message queue so a saturated
	// queue can never leave the relay energized.
	relayGen atomic.Uint64

	// Owned by the run goroutine.
	relay       hwio.OutputLine
	button      hwio.InputLine
	openResult  sensor.DetectionResult
	closeResult sensor.DetectionResult
	lockedState bool
	wdGen       uint64
	wdTimer     schedule.Timer
	wdArmed     bool
	wdCaptured  State
	btnGen      uint64
	btnTimer    schedule.Timer
	relayTimer  schedule.Timer
	identGen    uint64
	identTimer  schedule.Timer
	identifying bool
	identSteps  int

	mu          sync.Mutex
	state       State
	locked      bool
	initialized bool
	terminated  bool
	subs        []StateChangeFunc
}

// New validates the configuration and creates an uninitialized Door.
// Sensors must be attached with SetSensors before Start.
func New(cfg Config, deps Deps, handlers Handlers) (*Door, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("door: name is required")
	}
	if cfg.RelayPin < 0 {
		return nil, fmt.Errorf("door %s: invalid relay pin %d", cfg.Name, cfg.RelayPin)
	}
	ind := deps.Indicator
	if ind == nil {
		ind = &indicator.Noop{}
	}
	return &Door{
		cfg:         cfg,
		port:        deps.Port,
		clock:       deps.Clock,
		log:         deps.Log.With().Str("door", cfg.Name).Logger(),
		ind:         ind,
		handlers:    handlers,
		msgs:        make(chan doorMsg, 64),
		ctl:         make(chan doorMsg, 8),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		lockedState: cfg.initialLocked(),
		locked:      cfg.initialLocked(),
	}, nil
}

// SetSensors attaches the open-function and close-function sensors. The
// Door owns both for its lifetime and terminates them with itself.
func (d *Door) SetSensors(openSensor, closeSensor sensor.Sensor) {
	d.openSensor = openSensor
	d.closeSensor = closeSensor
}

// ResultSink returns the result-change callback to wire into the sensor
// serving the given function. Deliveries are queued to the door's actor in
// arrival order.
func (d *Door) ResultSink(fn Function) func(sensor.DetectionResult) {
	return func(r sensor.DetectionResult) {
		d.post(doorMsg{kind: msgSensorResult, function: fn, result: r})
	}
}

// Name returns the door's configured name.
func (d *Door) Name() string { return d.cfg.Name }

// Start claims the relay and button lines, starts both sensors and begins
// processing. It reports whether the door initialized; failures are logged
// and leave the door safe to Terminate.
func (d *Door) Start() bool {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return false
	}
	if d.initialized {
		d.mu.Unlock()
		return true
	}
	d.mu.Unlock()

	if d.openSensor == nil || d.closeSensor == nil {
		d.log.Error().Msg("cannot start: sensors not attached")
		return false
	}

	// Relay is active low: the inactive resting level is high.
	relay, err := d.port.RequestOutput(d.cfg.RelayPin, true)
	if err != nil {
		d.log.Error().Err(err).Msg("request relay line")
		return false
	}
	d.relay = relay

	if d.cfg.ButtonPin != nil {
		// Edge-triggered: only rising edges are delivered.
		button, err := d.port.RequestInput(*d.cfg.ButtonPin, hwio.EdgeRising, func(hwio.Event) {
			d.post(doorMsg{kind: msgButtonEdge})
		})
		if err != nil {
			d.log.Error().Err(err).Msg("request button line")
			relay.Close()
			return false
		}
		d.button = button
	}

	if err := d.openSensor.Start(); err != nil {
		d.log.Error().Err(err).Msg("start open sensor")
		d.closeLines()
		return false
	}
	if err := d.closeSensor.Start(); err != nil {
		d.log.Error().Err(err).Msg("start close sensor")
		d.openSensor.Terminate()
		d.closeLines()
		return false
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()

	d.ind.Unknown()
	go d.run()
	d.log.Info().Bool("locked", d.cfg.initialLocked()).Msg("door started")
	return true
}

// Terminate stops the door, its timers and its sensors, and forces the
// relay and indicator to their safe default levels. It is idempotent.
func (d *Door) Terminate() {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return
	}
	d.terminated = true
	running := d.initialized
	d.mu.Unlock()

	if running {
		close(d.quit)
		<-d.done
		d.openSensor.Terminate()
		d.closeSensor.Terminate()
	}
	d.ind.Shutdown()
	d.ind.Release()
	d.log.Info().Msg("door terminated")
}

// ActivateDoor requests a door activation subject to the soft lock. It is
// a logged no-op on a door that never initialized.
func (d *Door) ActivateDoor() {
	if !d.running() {
		d.log.Info().Msg("activation ignored: door not initialized")
		return
	}
	d.post(doorMsg{kind: msgActivate, override: false})
}

// PressButton injects a manual-button press from an external source (wall
// console, event pipe). It follows the same debounce as the GPIO button.
func (d *Door) PressButton() {
	if !d.running() {
		return
	}
	d.post(doorMsg{kind: msgButtonEdge})
}

func (d *Door) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized && !d.terminated
}

// IdentifyDoor blinks the indicator to physically locate the door. It
// reports false if the door never initialized.
func (d *Door) IdentifyDoor() bool {
	if !d.running() {
		d.log.Info().Msg("identify ignored: door not initialized")
		return false
	}
	d.post(doorMsg{kind: msgIdentifyStart})
	return true
}

// State returns the current door state.
func (d *Door) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Locked returns the soft-lock flag.
func (d *Door) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// SetLocked updates the soft-lock flag. The change is applied by the
// door's actor, after any commands already queued.
func (d *Door) SetLocked(locked bool) {
	if !d.running() {
		return
	}
	d.post(doorMsg{kind: msgSetLocked, locked: locked})
}

// OnStateChange subscribes to door state transitions. Callbacks run on the
// door's goroutine and must not block.
func (d *Door) OnStateChange(fn StateChangeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

func (d *Door) post(m doorMsg) {
	select {
	case d.msgs <- m:
	default:
		d.log.Warn().Msg("door message queue full, dropping message")
	}
}

// postTimer delivers a timer expiry on the control channel. Timer messages
// must never be dropped: the watchdog and debounce settles are the fail-safe
// half of the actor. Each timer kind has at most one expiry outstanding, so
// the send cannot pile up; it aborts only on shutdown.
func (d *Door) postTimer(m doorMsg) {
	select {
	case d.ctl <- m:
	case <-d.quit:
	}
}

func (d *Door) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			d.teardown()
			return
		case m := <-d.ctl:
			d.handle(m)
		case m := <-d.msgs:
			d.handle(m)
		}
	}
}

func (d *Door) teardown() {
	for _, t := range []schedule.Timer{d.wdTimer, d.btnTimer, d.relayTimer, d.identTimer} {
		if t != nil {
			t.Stop()
		}
	}
	d.relayGen.Add(1)
	if err := d.relay.Set(true); err != nil {
		d.log.Warn().Err(err).Msg("safe-default relay on terminate")
	}
	d.closeLines()
}

func (d *Door) closeLines() {
	if d.relay != nil {
		d.relay.Close()
		d.relay = nil
	}
	if d.button != nil {
		d.button.Close()
		d.button = nil
	}
}

func (d *Door) handle(m doorMsg) {
	switch m.kind {
	case msgSensorResult:
		d.onSensorResult(m.function, m.result)
	case msgActivate:
		d.activate(m.override)
	case msgButtonEdge:
		d.onButtonEdge()
	case msgButtonSettle:
		if m.gen == d.btnGen {
			d.activate(true)
		}
	case msgWatchdog:
		if m.gen == d.wdGen && d.wdArmed {
			d.onWatchdogExpired()
		}
	case msgIdentifyStart:
		d.onIdentifyStart()
	case msgIdentifyTick:
		if m.gen == d.identGen {
			d.onIdentifyTick()
		}
	case msgSetLocked:
		d.lockedState = m.locked
		d.mu.Lock()
		d.locked = m.locked
		d.mu.Unlock()
		d.log.Info().Bool("locked", m.locked).Msg("soft lock changed")
	}
}

func (d *Door) onSensorResult(fn Function, r sensor.DetectionResult) {
	switch fn {
	case FunctionOpen:
		d.openResult = r
	case FunctionClose:
		d.closeResult = r
	}

	if d.openResult == sensor.ResultDetected && d.closeResult == sensor.ResultDetected {
		// Both endpoints firing at once is physically impossible.
		d.log.Error().Msg("invalid condition: open and close sensors both detect")
	}

	prev := d.currentState()
	next := Resolve(d.openResult, d.closeResult, prev)
	d.applyState(next, false)
}

func (d *Door) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// applyState installs a resolved state. Forced reports (watchdog expiry)
// always notify; resolver-driven updates notify only on change and cancel
// the outstanding watchdog, since the commanded transition is evidently
// progressing.
func (d *Door) applyState(next State, forced bool) {
	d.mu.Lock()
	old := d.state
	if !forced && old == next {
		d.mu.Unlock()
		return
	}
	d.state = next
	subs := make([]StateChangeFunc, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	if !forced {
		d.cancelWatchdog()
	}

	d.log.Info().Stringer("from", old).Stringer("to", next).Bool("forced", forced).Msg("door state changed")
	if !d.identifying {
		d.showState(next)
	}
	for _, fn := range subs {
		fn(old, next)
	}
}

func (d *Door) showState(s State) {
	switch s {
	case StateClosed:
		d.ind.Closed()
	case StateOpen:
		d.ind.Open()
	case StateOpening, StateClosing:
		d.ind.Moving()
	default:
		d.ind.Unknown()
	}
}

// activate pulses the relay unless gated by the soft lock, and arms the
// completion watchdog with the pre-command state.
func (d *Door) activate(overrideLock bool) {
	if d.lockedState && !overrideLock {
		d.log.Info().Msg("activation ignored: door is locked")
		return
	}

	d.cancelWatchdog()

	// Active-low pulse.
	if err := d.relay.Set(false); err != nil {
		d.log.Warn().Err(err).Msg("energize relay")
		if err := d.relay.Set(true); err != nil {
			d.log.Warn().Err(err).Msg("restore relay level")
		}
		return
	}
	relayGen := d.relayGen.Add(1)
	relay := d.relay
	if d.relayTimer != nil {
		d.relayTimer.Stop()
	}
	// The pulse end writes the line directly rather than queueing a
	// message, so it lands even when the actor is saturated or stalled.
	// The generation guard keeps a stale pulse end off a newer pulse.
	d.relayTimer = d.clock.AfterFunc(relayPulseWidth, func() {
		if d.relayGen.Load() != relayGen {
			return
		}
		if err := relay.Set(true); err != nil {
			d.log.Warn().Err(err).Msg("end relay pulse")
		}
	})

	// The watchdog captures where the door was when commanded; if nothing
	// confirms the transition it is all we can still claim to know.
	d.wdCaptured = d.currentState()
	d.wdArmed = true
	d.wdGen++
	wdGen := d.wdGen
	d.wdTimer = d.clock.AfterFunc(activationTimeout, func() {
		d.postTimer(doorMsg{kind: msgWatchdog, gen: wdGen})
	})

	d.log.Info().Stringer("pre_state", d.wdCaptured).Bool("override", overrideLock).Msg("door activated")
}

func (d *Door) cancelWatchdog() {
	d.wdGen++
	d.wdArmed = false
	if d.wdTimer != nil {
		d.wdTimer.Stop()
		d.wdTimer = nil
	}
}

func (d *Door) onWatchdogExpired() {
	d.wdArmed = false
	captured := d.wdCaptured
	d.log.Warn().Stringer("captured", captured).Msg("activation unconfirmed, reporting pre-command state")

	// Conservative fallback: the true position is unknown, but the last
	// confirmed state is the best claim available.
	d.applyState(captured, true)
	if d.handlers.OnWatchdogExpired != nil {
		d.handlers.OnWatchdogExpired(captured)
	}
}

func (d *Door) onButtonEdge() {
	d.btnGen++
	gen := d.btnGen
	if d.btnTimer != nil {
		d.btnTimer.Stop()
	}
	d.btnTimer = d.clock.AfterFunc(buttonDebounce, func() {
		d.postTimer(doorMsg{kind: msgButtonSettle, gen: gen})
	})
}

func (d *Door) onIdentifyStart() {
	if d.identifying {
		d.log.Debug().Msg("identify already running")
		return
	}
	d.identifying = true
	d.identSteps = 0
	d.identGen++
	gen := d.identGen
	d.identTimer = d.clock.AfterFunc(identifyToggle, func() {
		d.postTimer(doorMsg{kind: msgIdentifyTick, gen: gen})
	})
	d.log.Info().Msg("identification started")
}

func (d *Door) onIdentifyTick() {
	d.ind.Toggle()
	d.identSteps++
	if time.Duration(d.identSteps)*identifyToggle >= identifyDuration {
		d.identifying = false
		d.identGen++
		d.identTimer = nil
		d.showState(d.currentState())
		d.log.Info().Msg("identification finished")
		return
	}
	gen := d.identGen
	d.identTimer = d.clock.AfterFunc(identifyToggle, func() {
		d.postTimer(doorMsg{kind: msgIdentifyTick, gen: gen})
	})
}
