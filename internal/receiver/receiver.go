// Package receiver is the dispatch core of the agent. It owns the bus
// connection, decodes and routes inbound events, runs one voting
// machine per in-flight request, and hands won requests to the
// process supervisor.
//
// All dispatcher state (the voting registry, the configuration
// snapshot) is serialized behind one mutex: bus deliveries, showdown
// timers and lifecycle calls all enter through locking entry points,
// so handlers run to completion one at a time. Callbacks wired into
// the voting machines assume the lock is held and never take it.
package receiver

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/reeve/internal/broker"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/clock"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/event"
	"github.com/nugget/reeve/internal/graphite"
	"github.com/nugget/reeve/internal/metrics"
	"github.com/nugget/reeve/internal/spawn"
	"github.com/nugget/reeve/internal/targets"
	"github.com/nugget/reeve/internal/voting"
)

// showdownDelay is the fixed negotiation window per request.
const showdownDelay = 10 * time.Second

// metricsOffset keeps the nightly metrics snapshot clear of the exact
// midnight boundary.
const metricsOffset = 30 * time.Second

// Receiver dispatches bus events for all subscribed targets.
type Receiver struct {
	bus        broker.Bus
	clk        clock.Clock
	logger     *slog.Logger
	counters   *metrics.Counters
	supervisor *spawn.Supervisor
	notifier   *graphite.Notifier

	// newVote draws a fresh 128-bit vote token; swapped in tests.
	newVote func() string
	// exit terminates the process; swapped in tests.
	exit func(code int)

	mu           sync.Mutex
	cfg          *config.Config
	resolver     *targets.Resolver
	states       map[string]*voting.Machine
	stopped      bool
	metricsTimer clock.Timer
}

// New wires a receiver to its bus. A nil clk selects the system
// clock. The receiver registers itself as the bus session-open
// handler; connecting is the connection manager's job.
func New(cfg *config.Config, bus broker.Bus, clk clock.Clock, logger *slog.Logger) *Receiver {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Receiver{
		bus:      bus,
		clk:      clk,
		logger:   logger,
		counters: metrics.NewCounters(),
		newVote:  uuid.NewString,
		exit:     os.Exit,
		states:   make(map[string]*voting.Machine),
	}
	r.applyConfiguration(cfg)
	r.supervisor = spawn.New(cfg.Hostname, bus, r.counters, logger)
	bus.SetSessionOpenHandler(r.onConnected)
	return r
}

// SetConfiguration replaces the configuration snapshot.
func (r *Receiver) SetConfiguration(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyConfiguration(cfg)
}

// applyConfiguration installs cfg and its derived collaborators.
// Callers hold the lock except during construction.
func (r *Receiver) applyConfiguration(cfg *config.Config) {
	r.cfg = cfg
	r.resolver = &targets.Resolver{Hostname: cfg.Hostname, Directory: cfg.TargetsDirectory}
	if cfg.Graphite.Enabled {
		r.notifier = &graphite.Notifier{
			Host:   cfg.Graphite.Host,
			Port:   cfg.Graphite.Port,
			Logger: r.logger,
		}
	} else {
		r.notifier = nil
	}
}

// Start logs the startup banner and arms the nightly metrics
// snapshot. The bus is not touched; the connection manager drives
// Connect.
func (r *Receiver) Start() {
	r.logger.Info("starting receiver", "version", buildinfo.Version)
	r.scheduleMetricsSnapshot()
}

// Stop records shutdown, abandons outstanding voting machines and
// releases the bus connection. Pending showdown timers become
// no-ops.
func (r *Receiver) Stop() {
	r.mu.Lock()
	r.logger.Info("shutting down receiver")
	r.stopped = true
	for _, fsm := range r.states {
		fsm.Invalidate()
	}
	r.states = make(map[string]*voting.Machine)
	if r.metricsTimer != nil {
		r.metricsTimer.Stop()
		r.metricsTimer = nil
	}
	r.mu.Unlock()

	if r.bus.Connected() {
		if err := r.bus.Close(); err != nil {
			r.logger.Warn("closing bus connection failed", "error", err)
		}
	}
}

// RunningCommands lists the currently supervised children for the
// status endpoint.
func (r *Receiver) RunningCommands() []spawn.RunInfo {
	return r.supervisor.Running()
}

// Connected implements connwatch.Link.
func (r *Receiver) Connected() bool {
	return r.bus.Connected()
}

// Connect implements connwatch.Link.
func (r *Receiver) Connect() error {
	r.mu.Lock()
	host, port := r.cfg.Broadcaster.Host, r.cfg.Broadcaster.Port
	r.mu.Unlock()
	r.logger.Info("connecting to broadcaster", "host", host, "port", port)
	return r.bus.Connect()
}

// Close implements connwatch.Link.
func (r *Receiver) Close() error {
	return r.bus.Close()
}

// onConnected runs on every successful session open: it installs the
// connection-lost hook and subscribes to all allowed targets in
// ascending order. An agent with nothing to subscribe to is useless
// and exits with code 1.
func (r *Receiver) onConnected() {
	r.bus.SetConnectionLostHandler(r.onConnectionLost)

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	allowed := cfg.AllowedTargets()
	sort.Strings(allowed)

	if len(allowed) == 0 {
		r.logger.Error("no targets configured or none of the configured targets exist")
		r.exit(1)
		return
	}

	for _, target := range allowed {
		r.logger.Info("subscribing to target", "target", target)
		if err := r.bus.Subscribe(target, r.OnEvent); err != nil {
			r.logger.Error("subscribing to target failed", "target", target, "error", err)
		}
	}
}

// onConnectionLost runs when the session ends for any reason. The
// watchdog notices the dead link on its next tick and reconnects.
func (r *Receiver) onConnectionLost(reason error) {
	r.logger.Warn("connection to broadcaster lost", "reason", reason)
}

// SubscribeTarget subscribes to a target that appeared at runtime.
// The configured globs are re-read first; a target outside the
// allowed set is refused.
func (r *Receiver) SubscribeTarget(target string) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	if err := cfg.ReloadTargets(); err != nil {
		r.logger.Warn("reloading targets failed", "error", err)
	}
	allowed := cfg.AllowedTargets()
	if !slices.Contains(allowed, target) {
		r.logger.Info("refusing to subscribe, target not in allowed targets", "target", target)
		return
	}

	r.logger.Info("subscribing to target", "target", target)
	if err := r.bus.Subscribe(target, r.OnEvent); err != nil {
		r.logger.Warn("subscribing to target failed", "target", target, "error", err)
	}
}

// UnsubscribeTarget drops the subscription for a target that
// disappeared at runtime.
func (r *Receiver) UnsubscribeTarget(target string) {
	r.logger.Info("unsubscribing from target", "target", target)
	if err := r.bus.Unsubscribe(target); err != nil {
		r.logger.Warn("unsubscribing from target failed", "target", target, "error", err)
	}
}

// OnEvent is the bus delivery entry point for every subscribed
// target.
func (r *Receiver) OnEvent(target string, data map[string]any) {
	e, err := event.Decode(target, data)
	if err != nil {
		r.logger.Warn("dropping undecodable event", "target", target, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	switch e.Kind {
	case event.Vote:
		r.onVote(e)
	case event.Request:
		r.handleRequest(e)
	case event.FullUpdate:
		r.logger.Info(e.String())
		if r.notifier != nil {
			// Fire and forget; the handler must not block on
			// graphite's dial timeout.
			go r.notifier.NotifyUpdate(e.Target, r.clk.Now())
		}
	default:
		r.logger.Info(e.String())
	}
}

// onVote answers a peer's vote. Lock held.
func (r *Receiver) onVote(e *event.Event) {
	fsm := r.states[e.TrackingID]
	if fsm == nil {
		r.logger.Info("ignoring vote, no live negotiation",
			"tracking_id", e.TrackingID, "vote", e.Vote)
		return
	}

	own := fsm.Vote()
	if strings.Compare(e.Vote, own) > 0 {
		r.logger.Info("folding, peer vote outranks own vote",
			"tracking_id", e.TrackingID, "peer_vote", e.Vote, "own_vote", own)
		if err := fsm.Fold(); err != nil {
			r.logger.Warn("fold rejected", "tracking_id", e.TrackingID, "error", err)
		}
		return
	}

	r.logger.Info("calling, own vote outranks peer vote",
		"tracking_id", e.TrackingID, "peer_vote", e.Vote, "own_vote", own)
	if err := fsm.Call(); err != nil {
		r.logger.Warn("call rejected", "tracking_id", e.TrackingID, "error", err)
	}
}

// handleRequest opens a negotiation for a request. Lock held.
func (r *Receiver) handleRequest(e *event.Event) {
	trackingID := e.TrackingID
	vote := r.newVote()

	if old := r.states[trackingID]; old != nil {
		// A duplicate tracking-id means bus replay, not a second
		// request: the replay wins and the stale machine goes inert.
		r.logger.Warn("replacing voting machine for replayed request",
			"tracking_id", trackingID)
		old.Invalidate()
	}

	var fsm *voting.Machine
	fsm = voting.New(trackingID, vote, voting.Callbacks{
		BroadcastVote: func(v string) {
			r.logger.Info("voting for request",
				"tracking_id", trackingID, "target", e.Target, "vote", v)
			if err := r.bus.SendDirectEvent(event.Vote, v, trackingID, e.Target); err != nil {
				r.logger.Warn("broadcasting vote failed",
					"tracking_id", trackingID, "error", err)
			}
		},
		Spawn: func() {
			r.performRequest(e, fsm)
		},
		Cleanup: func() {
			delete(r.states, trackingID)
			r.logger.Info("cleaned up voting machine",
				"tracking_id", trackingID, "in_memory", len(r.states))
		},
	})
	r.states[trackingID] = fsm

	r.clk.Schedule(showdownDelay, func() {
		r.showdown(fsm)
	})
}

// showdown is the timer entry point ending a negotiation window.
func (r *Receiver) showdown(fsm *voting.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if err := fsm.Showdown(); err != nil {
		r.logger.Warn("showdown rejected",
			"tracking_id", fsm.TrackingID(), "error", err)
	}
}

// performRequest executes a won request: publish started, spawn the
// child in the target directory, acknowledge the spawn to the voting
// machine. Every failure before the child runs becomes a failed
// command event; nothing propagates out of the callback. Lock held.
func (r *Receiver) performRequest(e *event.Event, fsm *voting.Machine) {
	r.logger.Info("won the vote, starting request",
		"target", e.Target, "tracking_id", e.TrackingID)

	cfg := r.cfg
	argv := append([]string{cfg.Interpreter, cfg.ScriptToExecute}, e.Arguments...)

	r.publishStarted(e)

	// The machine finishes whether or not the spawn works; a failed
	// spawn must not leave a registry entry behind.
	defer func() {
		if err := fsm.Spawned(); err != nil {
			r.logger.Warn("spawned rejected",
				"tracking_id", fsm.TrackingID(), "error", err)
		}
	}()

	dir, err := r.resolver.Resolve(e.Target)
	if err != nil {
		r.publishFailed(e, err.Error())
		return
	}

	if err := r.supervisor.Spawn(e.Target, dir, argv, e.TrackingID); err != nil {
		r.publishFailed(e, err.Error())
		return
	}
}

// publishStarted broadcasts the started event for a request.
func (r *Receiver) publishStarted(e *event.Event) {
	message := startedMessage(r.cfg.Hostname, e)
	r.logger.Info(message)
	if err := r.bus.PublishCommandOutcome(e.Target, e.Command,
		event.StateStarted, message, e.TrackingID); err != nil {
		r.logger.Warn("publishing started event failed",
			"target", e.Target, "error", err)
	}
}

// publishFailed broadcasts a failed event for a request.
func (r *Receiver) publishFailed(e *event.Event, message string) {
	r.logger.Error("request failed", "target", e.Target,
		"tracking_id", e.TrackingID, "message", message)
	if err := r.bus.PublishCommandOutcome(e.Target, e.Command,
		event.StateFailed, message, e.TrackingID); err != nil {
		r.logger.Warn("publishing failed event failed",
			"target", e.Target, "error", err)
	}
}

// scheduleMetricsSnapshot arms the nightly snapshot when a metrics
// directory is configured.
func (r *Receiver) scheduleMetricsSnapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.cfg.MetricsFile() == "" {
		return
	}
	delay := clock.UntilMidnight(r.clk.Now(), metricsOffset)
	r.metricsTimer = r.clk.Schedule(delay, func() {
		r.writeMetrics()
		r.scheduleMetricsSnapshot()
	})
}

// writeMetrics snapshots the counters to the metrics file.
// Best-effort: failures are logged and swallowed.
func (r *Receiver) writeMetrics() {
	r.mu.Lock()
	path := r.cfg.MetricsFile()
	r.mu.Unlock()
	if path == "" {
		return
	}
	if err := r.counters.WriteFile(path); err != nil {
		r.logger.Warn("writing metrics snapshot failed", "path", path, "error", err)
		return
	}
	r.logger.Debug("metrics snapshot written", "path", path)
}

func startedMessage(hostname string, e *event.Event) string {
	return fmt.Sprintf("(%s) target[%s] request: command=%q, arguments=%s",
		hostname, e.Target, e.Command, event.FormatArguments(e.Arguments))
}
