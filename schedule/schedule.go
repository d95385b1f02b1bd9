// Package schedule abstracts wall-clock time and one-shot timers so that
// debounce windows, trigger pulses and watchdogs can be driven by a fake
// clock in tests.
package schedule

import "time"

// Timer is a scheduled one-shot callback. Stop prevents the callback from
// firing if it has not fired yet; it reports whether the timer was still
// pending. A stopped timer never fires.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and one-shot timer scheduling.
type Clock interface {
	Now() time.Time

	// AfterFunc schedules fn to run after d. The callback runs on its own
	// goroutine for the system clock, and inline during Advance for the
	// fake clock.
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the real wall clock backed by the time package.
func System() Clock { return systemClock{} }
