// Package connwatch keeps the broadcaster link alive. Two timers
// share the link: a watchdog that polls the connection every second
// and reconnects with exponential backoff (1s, 2s, 4s, ... capped at
// 60s, reset on success), and an hourly refresh that forcibly closes
// a healthy link once a day during the 02:xx local hour. The forced
// close defeats connection drift on NATs and intermediaries; the
// watchdog then reconnects through its normal path.
package connwatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/reeve/internal/clock"
)

const (
	// watchdogInterval is the poll cadence while the link is healthy.
	watchdogInterval = 1 * time.Second
	// initialRetryDelay is the backoff floor after the first failure.
	initialRetryDelay = 1 * time.Second
	// maxRetryDelay is the backoff ceiling.
	maxRetryDelay = 60 * time.Second
	// refreshInterval is the cadence of the refresh check.
	refreshInterval = 1 * time.Hour
	// refreshHour is the local hour during which a refresh may close
	// the link.
	refreshHour = 2
)

// Link is the slice of the dispatcher the manager drives.
type Link interface {
	// Connected reports whether a live session exists.
	Connected() bool
	// Connect establishes a new session.
	Connect() error
	// Close tears the current session down.
	Close() error
}

// Manager owns the watchdog and refresh timers. Start arms both;
// Stop turns every pending or future tick into a no-op.
type Manager struct {
	link   Link
	clk    clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	stopped    bool
	connecting bool
	timers     []clock.Timer
}

// New creates a manager for link. A nil clk selects the system clock.
func New(link Link, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{link: link, clk: clk, logger: logger}
}

// Start runs the first watchdog check immediately and arms the
// refresh cycle. The first refresh tick never closes the link.
func (m *Manager) Start() {
	m.watchdog(initialRetryDelay)
	m.refresh(true)
}

// Stop disarms the timers the manager still tracks. Any tick that
// fires afterwards, including one in flight, is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

// watchdog is one poll tick. delay is the backoff to apply if this
// tick finds the link down; it doubles per consecutive failure.
func (m *Manager) watchdog(delay time.Duration) {
	if m.isStopped() {
		return
	}

	if m.link.Connected() {
		m.schedule(watchdogInterval, func() { m.watchdog(initialRetryDelay) })
		return
	}

	next := min(maxRetryDelay, 2*delay)
	m.schedule(delay, func() { m.watchdog(next) })

	m.logger.Warn("broadcaster link down, trying to connect")
	if delay > initialRetryDelay {
		m.logger.Info("scheduling next try", "delay", delay.String())
	}
	m.connect()
}

// connect attempts one reconnect, skipping the attempt when a
// previous one is still dialing.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.mu.Unlock()

	err := m.link.Connect()

	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("connecting to broadcaster failed", "error", err)
	}
}

// refresh is one hourly tick of the daily connection refresh.
func (m *Manager) refresh(firstCall bool) {
	if m.isStopped() {
		return
	}
	m.schedule(refreshInterval, func() { m.refresh(false) })

	m.logger.Debug("might want to refresh connection now")
	if firstCall || !m.shouldRefresh() {
		return
	}

	m.logger.Info("closing connection to broadcaster to force a refresh")
	if err := m.link.Close(); err != nil {
		m.logger.Warn("closing connection for refresh failed", "error", err)
	}
}

func (m *Manager) shouldRefresh() bool {
	if !m.link.Connected() {
		m.logger.Info("not connected, cannot refresh connection")
		return false
	}
	if hour := m.clk.Now().Hour(); hour != refreshHour {
		m.logger.Debug("outside the refresh hour", "hour", hour)
		return false
	}
	return true
}

func (m *Manager) schedule(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.timers = append(m.timers, m.clk.Schedule(d, fn))
	// Drop the oldest entries now and then so the slice stays
	// bounded. The long-lived refresh timer can be dropped while still
	// pending; Stop then cannot cancel it, and its tick is a no-op
	// through the stopped check.
	if len(m.timers) > 16 {
		m.timers = m.timers[len(m.timers)-8:]
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
