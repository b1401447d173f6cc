// Package clock abstracts wall-clock time and one-shot timer scheduling
// so that the voting showdown, the connection watchdog, and the daily
// refresh can be driven deterministically in tests. The real
// implementation is a thin wrapper over [time.AfterFunc].
package clock

import (
	"math"
	"time"
)

// Timer is a scheduled callback that can be stopped before it fires.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented
	// the callback from running. Stopping an already-fired timer is a
	// no-op.
	Stop() bool
}

// Clock provides the current time and one-shot timer scheduling.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Schedule runs fn on its own goroutine after d has elapsed.
	// Timers scheduled for time T fire no earlier than T.
	Schedule(d time.Duration, fn func()) Timer
}

// System is the real clock backed by the time package.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Schedule wraps time.AfterFunc.
func (System) Schedule(d time.Duration, fn func()) Timer {
	return systemTimer{time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}

// UntilMidnight returns the duration from now until shortly after the
// next local midnight. The offset keeps daily jobs clear of the exact
// day boundary, where wall clocks step during DST changes.
func UntilMidnight(now time.Time, offset time.Duration) time.Duration {
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	d := midnight.Sub(now) + offset
	// Round up to whole seconds so a job never lands before midnight.
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
