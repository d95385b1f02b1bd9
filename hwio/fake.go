package hwio

import (
	"fmt"
	"sync"
	"time"
)

// FakePort is a test double Port. Tests drive input levels with SetLevel /
// SetLevelAt, which fires the registered edge handler, and inspect output
// writes through the FakeLine.
type FakePort struct {
	mu     sync.Mutex
	lines  map[int]*FakeLine
	closed bool

	// InputErr, if set, is returned by RequestInput.
	InputErr error
	// OutputErr, if set, is returned by RequestOutput.
	OutputErr error
}

// NewFakePort creates a FakePort with no lines claimed.
func NewFakePort() *FakePort {
	return &FakePort{lines: make(map[int]*FakeLine)}
}

// Line returns the FakeLine for an offset, creating it if needed. Tests may
// preset levels before the code under test requests the line.
func (p *FakePort) Line(offset int) *FakeLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineLocked(offset)
}

func (p *FakePort) lineLocked(offset int) *FakeLine {
	l, ok := p.lines[offset]
	if !ok {
		l = &FakeLine{offset: offset}
		p.lines[offset] = l
	}
	return l
}

func (p *FakePort) RequestInput(offset int, edge Edge, h EventHandler) (InputLine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InputErr != nil {
		return nil, p.InputErr
	}
	l := p.lineLocked(offset)
	l.mu.Lock()
	l.edge = edge
	l.handler = h
	l.requested = true
	l.mu.Unlock()
	return l, nil
}

func (p *FakePort) RequestOutput(offset int, initialHigh bool) (OutputLine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OutputErr != nil {
		return nil, p.OutputErr
	}
	l := p.lineLocked(offset)
	l.mu.Lock()
	l.level = initialHigh
	l.writes = append(l.writes, initialHigh)
	l.requested = true
	l.mu.Unlock()
	return l, nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("fake port closed twice")
	}
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeLine is a single fake digital line, usable as both InputLine and
// OutputLine.
type FakeLine struct {
	mu        sync.Mutex
	offset    int
	level     bool
	edge      Edge
	handler   EventHandler
	writes    []bool
	requested bool
	closed    bool

	// ReadErr, if set, is returned by Read.
	ReadErr error
	// SetErr, if set, is returned by Set.
	SetErr error
}

// SetLevel drives the input level, firing the edge handler if the
// transition matches the requested edge mode. The event is stamped with the
// current wall clock; use SetLevelAt when the test controls time.
func (l *FakeLine) SetLevel(high bool) {
	l.SetLevelAt(high, time.Now())
}

// SetLevelAt drives the input level with an explicit event timestamp.
func (l *FakeLine) SetLevelAt(high bool, ts time.Time) {
	l.mu.Lock()
	changed := l.level != high
	l.level = high
	h := l.handler
	edge := l.edge
	l.mu.Unlock()

	if !changed || h == nil {
		return
	}
	switch edge {
	case EdgeBoth:
	case EdgeRising:
		if !high {
			return
		}
	case EdgeFalling:
		if high {
			return
		}
	default:
		return
	}
	h(Event{Offset: l.offset, Rising: high, Timestamp: ts})
}

func (l *FakeLine) Read() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return false, l.ReadErr
	}
	return l.level, nil
}

func (l *FakeLine) Set(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SetErr != nil {
		return l.SetErr
	}
	l.level = high
	l.writes = append(l.writes, high)
	return nil
}

func (l *FakeLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Level returns the current line level.
func (l *FakeLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Writes returns every level written through Set, including the initial
// level from RequestOutput.
func (l *FakeLine) Writes() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(l.writes))
	copy(out, l.writes)
	return out
}

// Requested reports whether the line was claimed via the Port.
func (l *FakeLine) Requested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requested
}

// ClosedLine reports whether the line was closed.
func (l *FakeLine) ClosedLine() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
