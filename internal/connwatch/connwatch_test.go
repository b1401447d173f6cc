package connwatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/clock"
)

// fakeLink simulates the dispatcher side of the link.
type fakeLink struct {
	clk *clock.Fake

	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   []time.Time
	closes     int
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, l.clk.Now())
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = true
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	l.connected = false
	return nil
}

func (l *fakeLink) setConnected(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = v
}

func (l *fakeLink) setConnectErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectErr = err
}

func (l *fakeLink) attempts() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.connects...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

func newManager(t *testing.T, start time.Time, connected bool) (*Manager, *fakeLink, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	link := &fakeLink{clk: clk, connected: connected}
	m := New(link, clk, nil)
	t.Cleanup(m.Stop)
	return m, link, clk
}

// noon keeps tests away from the 02:xx refresh hour.
var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestWatchdogBackoffSchedule(t *testing.T) {
	t.Parallel()

	m, link, clk := newManager(t, noon, false)
	link.setConnectErr(errors.New("connection refused"))
	m.Start()

	clk.Advance(31 * time.Second)

	got := link.attempts()
	want := []time.Duration{0, 1 * time.Second, 3 * time.Second,
		7 * time.Second, 15 * time.Second, 31 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("connect attempts = %d, want %d", len(got), len(want))
	}
	for i, at := range got {
		if offset := at.Sub(noon); offset != want[i] {
			t.Errorf("attempt %d at +%v, want +%v", i, offset, want[i])
		}
	}
}

func TestWatchdogRecoversAndResetsDelay(t *testing.T) {
	t.Parallel()

	m, link, clk := newManager(t, noon, false)
	link.setConnectErr(errors.New("connection refused"))
	m.Start()

	// Attempts fail through t=15; the t=31 attempt succeeds.
	clk.Advance(16 * time.Second)
	link.setConnectErr(nil)
	clk.Advance(90 * time.Second)

	attempts := link.attempts()
	last := attempts[len(attempts)-1]
	if offset := last.Sub(noon); offset != 31*time.Second {
		t.Fatalf("last attempt at +%v, want +31s", offset)
	}
	if !link.Connected() {
		t.Fatal("link did not reconnect")
	}

	// A later drop is picked up within the 1-second cadence, with
	// the backoff reset to its floor.
	dropAt := clk.Now()
	link.setConnected(false)
	clk.Advance(2 * time.Second)

	attempts = link.attempts()
	retry := attempts[len(attempts)-1]
	if retry.Sub(dropAt) > 2*time.Second {
		t.Errorf("retry after drop took %v, want within the reset backoff", retry.Sub(dropAt))
	}
}

func TestWatchdogIdleWhenConnected(t *testing.T) {
	t.Parallel()

	m, link, clk := newManager(t, noon, true)
	m.Start()

	clk.Advance(2 * time.Minute)

	if got := link.attempts(); len(got) != 0 {
		t.Errorf("connect attempts on a healthy link: %d", len(got))
	}
}

func TestDailyRefreshClosesDuringRefreshHour(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 1, 10, 0, 0, time.UTC)
	m, link, clk := newManager(t, start, true)
	m.Start()

	// The 02:10 tick closes; the watchdog then reconnects.
	clk.Advance(1 * time.Hour)
	if got := link.closeCount(); got != 1 {
		t.Fatalf("closes = %d, want 1", got)
	}
	clk.Advance(2 * time.Second)
	if !link.Connected() {
		t.Error("watchdog did not reconnect after the forced close")
	}

	// The 03:10 tick is outside the refresh hour.
	clk.Advance(1 * time.Hour)
	if got := link.closeCount(); got != 1 {
		t.Errorf("closes = %d after 03:10, want still 1", got)
	}
}

func TestDailyRefreshSkipsFirstCall(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 2, 30, 0, 0, time.UTC)
	m, link, clk := newManager(t, start, true)
	m.Start()

	clk.Advance(10 * time.Second)
	if got := link.closeCount(); got != 0 {
		t.Errorf("closes = %d on first call, want 0", got)
	}
}

func TestDailyRefreshRequiresLiveLink(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 1, 10, 0, 0, time.UTC)
	m, link, clk := newManager(t, start, false)
	link.setConnectErr(errors.New("connection refused"))
	m.Start()

	clk.Advance(1 * time.Hour)
	if got := link.closeCount(); got != 0 {
		t.Errorf("closes = %d without a live link, want 0", got)
	}
}

func TestStopDisarmsTimers(t *testing.T) {
	t.Parallel()

	m, link, clk := newManager(t, noon, false)
	link.setConnectErr(errors.New("connection refused"))
	m.Start()
	clk.Advance(1 * time.Second)
	before := len(link.attempts())

	m.Stop()
	clk.Advance(5 * time.Minute)

	if got := len(link.attempts()); got != before {
		t.Errorf("connect attempts after Stop: %d, want %d", got, before)
	}
}
