package sensor

import (
	"testing"
	"time"

	"garaged/hwio"
	"garaged/schedule"
)

func TestProximityConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProximityConfig
		wantErr bool
	}{
		{"defaults", ProximityConfig{Pin: 17}, false},
		{"long form modes", ProximityConfig{Pin: 17, Mode: "normally-open"}, false},
		{"short nc", ProximityConfig{Pin: 17, Mode: "nc"}, false},
		{"debounce below floor", ProximityConfig{Pin: 17, DebounceSeconds: 0.5}, true},
		{"unknown mode", ProximityConfig{Pin: 17, Mode: "inverted"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProximity(tt.cfg, testDeps(hwio.NewFakePort(), schedule.NewFakeClock(time.Now())), Handlers{})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProximity err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProximityPolarity(t *testing.T) {
	tests := []struct {
		mode  string
		level bool
		want  DetectionResult
	}{
		{ModeNormallyClosed, true, ResultDetected},
		{ModeNormallyClosed, false, ResultUndetected},
		{ModeNormallyOpen, true, ResultUndetected},
		{ModeNormallyOpen, false, ResultDetected},
	}

	for _, tt := range tests {
		cfg := ProximityConfig{Mode: tt.mode}
		if err := cfg.normalize(); err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if got := cfg.detected(tt.level); got != tt.want {
			t.Errorf("mode=%s level=%v: got %v, want %v", tt.mode, tt.level, got, tt.want)
		}
	}
}

func startProximity(t *testing.T, cfg ProximityConfig, port *hwio.FakePort, clock *schedule.FakeClock, rec *resultRecorder) *Proximity {
	t.Helper()
	p, err := NewProximity(cfg, testDeps(port, clock), rec.handlers())
	if err != nil {
		t.Fatalf("NewProximity: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Terminate)
	return p
}

func TestProximitySeedsResultSynchronously(t *testing.T) {
	port := hwio.NewFakePort()
	clock := schedule.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	port.Line(17).SetLevel(true) // circuit closed before startup

	rec := &resultRecorder{}
	p := startProximity(t, ProximityConfig{Pin: 17, Mode: ModeNormallyClosed}, port, clock, rec)

	// No debounce window: the seed read is immediate.
	if got := p.Result(); got != ResultDetected {
		t.Fatalf("Result() = %v after seed, want detected", got)
	}
	if rec.resultCount() != 1 {
		t.Errorf("result events = %d, want 1", rec.resultCount())
	}
}

func TestProximityDebounceCoalescesEdges(t *testing.T) {
	port := hwio.NewFakePort()
	clock := schedule.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	line := port.Line(17)

	rec := &resultRecorder{}
	p := startProximity(t, ProximityConfig{Pin: 17, Mode: ModeNormallyClosed}, port, clock, rec)

	if got := p.Result(); got != ResultUndetected {
		t.Fatalf("seed result = %v, want undetected", got)
	}
	seedEvents := rec.resultCount()

	// A burst of contact bounce, each edge restarting the window. Keeping
	// the clock still during the burst guarantees no window can elapse
	// between edges.
	for _, lvl := range []bool{true, false, true, false, true} {
		line.SetLevel(lvl)
		waitUntil(t, "debounce scheduled", func() bool { return clock.PendingTimers() >= 1 })
	}

	// Stable now; nudge the clock until the full window elapses for the
	// final edge.
	waitUntil(t, "settled result", func() bool {
		clock.Advance(100 * time.Millisecond)
		return p.Result() == ResultDetected
	})

	if got := rec.resultCount() - seedEvents; got != 1 {
		t.Errorf("result events after bounce = %d, want exactly 1", got)
	}
}

func TestProximityLateTimerIsInert(t *testing.T) {
	port := hwio.NewFakePort()
	clock := schedule.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	line := port.Line(17)

	rec := &resultRecorder{}
	p := startProximity(t, ProximityConfig{Pin: 17, Mode: ModeNormallyClosed}, port, clock, rec)

	line.SetLevel(true)
	waitUntil(t, "first window", func() bool { return clock.PendingTimers() >= 1 })
	clock.Advance(900 * time.Millisecond)

	// A new edge supersedes the pending window just before it elapses. The
	// first window's timer may still fire, but its generation is stale and
	// it must not publish the intermediate high level.
	line.SetLevel(false)

	waitUntil(t, "final level accepted", func() bool {
		clock.Advance(100 * time.Millisecond)
		return p.Result() == ResultUndetected
	})

	if rec.lastResult() != ResultUndetected {
		t.Errorf("last published result = %v, want undetected", rec.lastResult())
	}
	for _, r := range rec.all() {
		if r == ResultDetected {
			t.Error("stale debounce timer published the superseded high level")
		}
	}
}

func TestProximityTerminateReleasesLine(t *testing.T) {
	port := hwio.NewFakePort()
	clock := schedule.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))

	rec := &resultRecorder{}
	p := startProximity(t, ProximityConfig{Pin: 17}, port, clock, rec)

	p.Terminate()
	p.Terminate() // idempotent

	if !port.Line(17).ClosedLine() {
		t.Error("input line not released after Terminate")
	}
}
