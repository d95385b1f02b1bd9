package door

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"garaged/hwio"
	"garaged/schedule"
	"garaged/sensor"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeSensor satisfies sensor.Sensor; tests feed results straight into the
// door through ResultSink.
type fakeSensor struct {
	mu         sync.Mutex
	startErr   error
	started    bool
	terminated bool
	result     sensor.DetectionResult
}

func (f *fakeSensor) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSensor) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakeSensor) Result() sensor.DetectionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *fakeSensor) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// fakeIndicator counts calls for identification-mode assertions. onToggle,
// when set, runs inside Toggle on the door's goroutine so tests can park the
// actor mid-callback.
type fakeIndicator struct {
	onToggle func()

	mu       sync.Mutex
	toggles  int
	shows    int
	shutdown bool
}

func (f *fakeIndicator) Closed()  { f.show() }
func (f *fakeIndicator) Open()    { f.show() }
func (f *fakeIndicator) Moving()  { f.show() }
func (f *fakeIndicator) Unknown() { f.show() }

func (f *fakeIndicator) show() {
	f.mu.Lock()
	f.shows++
	f.mu.Unlock()
}

func (f *fakeIndicator) Toggle() {
	if f.onToggle != nil {
		f.onToggle()
	}
	f.mu.Lock()
	f.toggles++
	f.mu.Unlock()
}

func (f *fakeIndicator) Shutdown() {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
}

func (f *fakeIndicator) Release() error { return nil }

func (f *fakeIndicator) toggleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggles
}

func (f *fakeIndicator) showCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shows
}

// transitions records state-change notifications.
type transitions struct {
	mu     sync.Mutex
	events [][2]State
}

func (tr *transitions) record(old, new State) {
	tr.mu.Lock()
	tr.events = append(tr.events, [2]State{old, new})
	tr.mu.Unlock()
}

func (tr *transitions) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.events)
}

func (tr *transitions) last() ([2]State, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.events) == 0 {
		return [2]State{}, false
	}
	return tr.events[len(tr.events)-1], true
}

type testDoor struct {
	door  *Door
	port  *hwio.FakePort
	clock *schedule.FakeClock
	ind   *fakeIndicator
	tr    *transitions

	openSink  func(sensor.DetectionResult)
	closeSink func(sensor.DetectionResult)

	wdMu      sync.Mutex
	wdExpired []State
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func newTestDoor(t *testing.T, cfg Config) *testDoor {
	t.Helper()
	td := &testDoor{
		port:  hwio.NewFakePort(),
		clock: schedule.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)),
		ind:   &fakeIndicator{},
		tr:    &transitions{},
	}

	d, err := New(cfg, Deps{
		Port:      td.port,
		Clock:     td.clock,
		Log:       zerolog.Nop(),
		Indicator: td.ind,
	}, Handlers{
		OnWatchdogExpired: func(s State) {
			td.wdMu.Lock()
			td.wdExpired = append(td.wdExpired, s)
			td.wdMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	td.door = d
	d.SetSensors(&fakeSensor{}, &fakeSensor{})
	d.OnStateChange(td.tr.record)
	td.openSink = d.ResultSink(FunctionOpen)
	td.closeSink = d.ResultSink(FunctionClose)

	if !d.Start() {
		t.Fatal("Start() = false")
	}
	t.Cleanup(d.Terminate)
	return td
}

func (td *testDoor) waitState(t *testing.T, want State) {
	t.Helper()
	waitUntil(t, "state "+want.String(), func() bool { return td.door.State() == want })
}

func (td *testDoor) relayWrites() []bool {
	return td.port.Line(td.door.cfg.RelayPin).Writes()
}

func (td *testDoor) relayPulsed() bool {
	for _, w := range td.relayWrites() {
		if !w {
			return true
		}
	}
	return false
}

func (td *testDoor) watchdogExpiries() int {
	td.wdMu.Lock()
	defer td.wdMu.Unlock()
	return len(td.wdExpired)
}

func baseConfig() Config {
	return Config{Name: "main", RelayPin: 27}
}

func TestDoorConfigValidation(t *testing.T) {
	deps := Deps{Port: hwio.NewFakePort(), Clock: schedule.NewFakeClock(time.Now()), Log: zerolog.Nop()}

	if _, err := New(Config{RelayPin: 27}, deps, Handlers{}); err == nil {
		t.Error("New accepted a door without a name")
	}
	if _, err := New(Config{Name: "main", RelayPin: -1}, deps, Handlers{}); err == nil {
		t.Error("New accepted a negative relay pin")
	}
}

func TestDoorStartRequiresSensors(t *testing.T) {
	d, err := New(baseConfig(), Deps{
		Port:  hwio.NewFakePort(),
		Clock: schedule.NewFakeClock(time.Now()),
		Log:   zerolog.Nop(),
	}, Handlers{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Start() {
		t.Error("Start() = true without sensors attached")
	}
	if d.State() != StateUnknown {
		t.Errorf("State() = %v, want unknown", d.State())
	}
}

func TestDoorInitialState(t *testing.T) {
	td := newTestDoor(t, baseConfig())

	if got := td.door.State(); got != StateUnknown {
		t.Errorf("initial State() = %v, want unknown", got)
	}
	if !td.door.Locked() {
		t.Error("Locked() = false, want true by default")
	}
	// Relay rests at the inactive (high) level.
	if w := td.relayWrites(); len(w) != 1 || !w[0] {
		t.Errorf("relay writes = %v, want [true]", w)
	}
}

func TestDoorSensorConvergence(t *testing.T) {
	td := newTestDoor(t, baseConfig())

	td.openSink(sensor.ResultUndetected)
	td.closeSink(sensor.ResultDetected)
	td.waitState(t, StateClosed)

	// Close sensor clears with the open endpoint still empty: in transit.
	td.closeSink(sensor.ResultUndetected)
	td.waitState(t, StateOpening)

	td.openSink(sensor.ResultDetected)
	td.waitState(t, StateOpen)

	// Regardless of prior state, open detected + close undetected = open.
	if last, ok := td.tr.last(); !ok || last[1] != StateOpen {
		t.Errorf("last transition = %v, want -> open", last)
	}
}

func TestDoorContradictionResolvesUnknown(t *testing.T) {
	td := newTestDoor(t, baseConfig())

	td.openSink(sensor.ResultDetected)
	td.waitState(t, StateOpen)

	td.closeSink(sensor.ResultDetected)
	td.waitState(t, StateUnknown)
}

func TestDoorLockGatesActivation(t *testing.T) {
	td := newTestDoor(t, baseConfig()) // locked by default

	td.door.ActivateDoor()

	// Force a round trip through the actor so the command has been handled.
	td.openSink(sensor.ResultDetected)
	td.waitState(t, StateOpen)

	if td.relayPulsed() {
		t.Error("relay pulsed while locked")
	}
	if td.clock.PendingTimers() != 0 {
		t.Errorf("pending timers = %d after gated activation, want 0", td.clock.PendingTimers())
	}
}

func TestDoorActivatePulsesRelay(t *testing.T) {
	cfg := baseConfig()
	cfg.Locked = boolPtr(false)
	td := newTestDoor(t, cfg)

	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)

	// Pulse ends after the fixed width.
	waitUntil(t, "relay released", func() bool {
		td.clock.Advance(relayPulseWidth)
		w := td.relayWrites()
		return len(w) >= 3 && w[len(w)-1]
	})
}

func TestDoorRelayPulseEndsWhileQueueSaturated(t *testing.T) {
	cfg := baseConfig()
	cfg.Locked = boolPtr(false)
	td := newTestDoor(t, cfg)

	blocked := make(chan struct{})
	release := make(chan struct{})
	var blockOnce, relOnce sync.Once
	releaseActor := func() { relOnce.Do(func() { close(release) }) }
	t.Cleanup(releaseActor)

	td.door.OnStateChange(func(_, _ State) {
		blockOnce.Do(func() {
			close(blocked)
			<-release
		})
	})

	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)

	// Park the actor inside a subscriber callback.
	td.openSink(sensor.ResultDetected)
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("actor never entered the subscriber callback")
	}

	// Flood the message queue past its capacity.
	for i := 0; i < 70; i++ {
		td.door.PressButton()
	}

	td.clock.Advance(relayPulseWidth)

	// The pulse end does not depend on the stalled actor: the line must
	// already be back at the inactive level.
	if !td.port.Line(td.door.cfg.RelayPin).Level() {
		t.Fatal("relay still energized after the pulse width elapsed")
	}

	releaseActor()
}

func TestDoorWatchdogSurvivesSaturatedQueue(t *testing.T) {
	cfg := baseConfig()
	cfg.Locked = boolPtr(false)
	td := newTestDoor(t, cfg)

	blocked := make(chan struct{})
	release := make(chan struct{})
	var blockOnce, relOnce sync.Once
	releaseActor := func() { relOnce.Do(func() { close(release) }) }
	t.Cleanup(releaseActor)

	td.ind.onToggle = func() {
		blockOnce.Do(func() {
			close(blocked)
			<-release
		})
	}

	if !td.door.IdentifyDoor() {
		t.Fatal("IdentifyDoor() = false")
	}
	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)

	// The first identification toggle parks the actor inside the
	// indicator callback.
	td.clock.Advance(identifyToggle)
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("actor never entered the indicator toggle")
	}

	for i := 0; i < 70; i++ {
		td.door.PressButton()
	}

	// Expiry is delivered on the control channel; the flooded queue must
	// not cost the fallback report.
	td.clock.Advance(activationTimeout)
	releaseActor()

	waitUntil(t, "watchdog expiry", func() bool { return td.watchdogExpiries() == 1 })
	if last, ok := td.tr.last(); !ok || last[1] != StateUnknown {
		t.Errorf("forced report = %v, want -> unknown", last)
	}
}

func TestDoorWatchdogForcesPreCommandState(t *testing.T) {
	cfg := baseConfig()
	cfg.Locked = boolPtr(false)
	td := newTestDoor(t, cfg)

	td.openSink(sensor.ResultDetected)
	td.waitState(t, StateOpen)
	before := td.tr.count()

	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)

	// No sensor confirmation: the watchdog fires and force-reports the
	// captured pre-command state.
	waitUntil(t, "watchdog expiry", func() bool {
		td.clock.Advance(time.Second)
		return td.watchdogExpiries() == 1
	})

	if got := td.tr.count() - before; got != 1 {
		t.Errorf("state events after watchdog = %d, want exactly 1", got)
	}
	if last, _ := td.tr.last(); last[0] != StateOpen || last[1] != StateOpen {
		t.Errorf("watchdog event = %v -> %v, want open -> open", last[0], last[1])
	}

	// Long after expiry, nothing else fires.
	td.clock.Advance(2 * activationTimeout)
	time.Sleep(20 * time.Millisecond)
	if td.watchdogExpiries() != 1 {
		t.Errorf("watchdog expiries = %d, want 1", td.watchdogExpiries())
	}
}

func TestDoorSensorUpdateCancelsWatchdog(t *testing.T) {
	cfg := baseConfig()
	cfg.Locked = boolPtr(false)
	td := newTestDoor(t, cfg)

	td.openSink(sensor.ResultUndetected)
	td.closeSink(sensor.ResultDetected)
	td.waitState(t, StateClosed)

	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)

	// The door starts moving before the timeout: the state change cancels
	// the watchdog.
	td.closeSink(sensor.ResultUndetected)
	td.waitState(t, StateOpening)

	td.clock.Advance(2 * activationTimeout)
	time.Sleep(20 * time.Millisecond)

	if td.watchdogExpiries() != 0 {
		t.Errorf("watchdog expired despite sensor confirmation")
	}
	if last, _ := td.tr.last(); last[1] != StateOpening {
		t.Errorf("last transition = %v, want -> opening", last)
	}
}

func TestDoorManualButtonOverridesLock(t *testing.T) {
	cfg := baseConfig()
	cfg.ButtonPin = intPtr(22)
	td := newTestDoor(t, cfg) // locked: manual button still works

	btn := td.port.Line(22)

	// Bouncy press: several rising edges inside the debounce window.
	for i := 0; i < 3; i++ {
		btn.SetLevel(true)
		btn.SetLevel(false)
	}
	waitUntil(t, "debounce armed", func() bool { return td.clock.PendingTimers() >= 1 })

	waitUntil(t, "relay energized", func() bool {
		td.clock.Advance(buttonDebounce)
		return td.relayPulsed()
	})
}

func TestDoorExternalButtonPress(t *testing.T) {
	td := newTestDoor(t, baseConfig())

	td.door.PressButton()
	waitUntil(t, "debounce armed", func() bool { return td.clock.PendingTimers() >= 1 })

	waitUntil(t, "relay energized", func() bool {
		td.clock.Advance(buttonDebounce)
		return td.relayPulsed()
	})
}

func TestDoorSetLocked(t *testing.T) {
	td := newTestDoor(t, baseConfig())

	td.door.SetLocked(false)
	waitUntil(t, "unlock applied", func() bool { return !td.door.Locked() })

	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)
}

func TestDoorIdentifyTogglesIndicator(t *testing.T) {
	td := newTestDoor(t, baseConfig())

	if !td.door.IdentifyDoor() {
		t.Fatal("IdentifyDoor() = false on an initialized door")
	}

	showsBefore := td.ind.showCount()
	wantToggles := int(identifyDuration / identifyToggle)

	waitUntil(t, "identification complete", func() bool {
		td.clock.Advance(identifyToggle)
		return td.ind.toggleCount() >= wantToggles
	})

	if got := td.ind.toggleCount(); got != wantToggles {
		t.Errorf("toggles = %d, want %d", got, wantToggles)
	}
	// Normal indication restored afterwards.
	waitUntil(t, "indication restored", func() bool { return td.ind.showCount() > showsBefore })
}

func TestDoorIdentifyRequiresInitialized(t *testing.T) {
	d, err := New(baseConfig(), Deps{
		Port:  hwio.NewFakePort(),
		Clock: schedule.NewFakeClock(time.Now()),
		Log:   zerolog.Nop(),
	}, Handlers{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.IdentifyDoor() {
		t.Error("IdentifyDoor() = true on an uninitialized door")
	}
}

func TestDoorTerminateSafeDefaults(t *testing.T) {
	cfg := baseConfig()
	cfg.Locked = boolPtr(false)
	cfg.ButtonPin = intPtr(22)
	td := newTestDoor(t, cfg)

	openS := td.door.openSensor.(*fakeSensor)
	closeS := td.door.closeSensor.(*fakeSensor)

	// Leave a pulse and a watchdog in flight.
	td.door.ActivateDoor()
	waitUntil(t, "relay energized", td.relayPulsed)

	td.door.Terminate()
	td.door.Terminate() // idempotent

	if !td.port.Line(td.door.cfg.RelayPin).Level() {
		t.Error("relay left energized after Terminate")
	}
	if !openS.Terminated() || !closeS.Terminated() {
		t.Error("sensors not terminated with the door")
	}
	td.ind.mu.Lock()
	down := td.ind.shutdown
	td.ind.mu.Unlock()
	if !down {
		t.Error("indicator not shut down")
	}
	if td.clock.PendingTimers() != 0 {
		t.Errorf("pending timers = %d after Terminate, want 0", td.clock.PendingTimers())
	}
}
