// Package spawn runs administrative commands as child processes and
// turns their exit status into command-outcome events on the bus.
//
// The supervisor never retries and enforces no wall-clock limit; both
// are caller policy. Standard output is discarded, standard error is
// captured and becomes the failure message when the child exits
// non-zero.
package spawn

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/reeve/internal/event"
	"github.com/nugget/reeve/internal/metrics"
)

// OutcomePublisher is the slice of the bus the supervisor needs.
type OutcomePublisher interface {
	PublishCommandOutcome(target, command, state, message, trackingID string) error
}

// RunInfo describes one currently running child for the status
// endpoint. Command is the rendered command line with tracking-id
// arguments filtered out.
type RunInfo struct {
	Target  string `json:"target"`
	Command string `json:"command"`
	PID     int    `json:"pid"`
}

// run is the supervisor's record of one spawned child.
type run struct {
	hostname        string
	target          string
	readableCommand string
	trackingID      string
	argv            []string
	cmd             *exec.Cmd
	stderr          bytes.Buffer
}

// Supervisor spawns children and supervises them until exit.
type Supervisor struct {
	hostname string
	bus      OutcomePublisher
	counters *metrics.Counters
	logger   *slog.Logger

	mu      sync.Mutex
	running map[int]*run
	wg      sync.WaitGroup
}

// New creates a supervisor publishing outcomes through bus and
// counting completions in counters.
func New(hostname string, bus OutcomePublisher, counters *metrics.Counters, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		hostname: hostname,
		bus:      bus,
		counters: counters,
		logger:   logger,
		running:  make(map[int]*run),
	}
}

// Spawn starts argv in dir with an explicitly empty environment and
// supervises it in the background. The returned error covers start
// failures only; the exit outcome is always reported through the bus.
func (s *Supervisor) Spawn(target, dir string, argv []string, trackingID string) error {
	if len(argv) == 0 {
		return fmt.Errorf("spawn on target %s: empty command line", target)
	}

	r := &run{
		hostname:        s.hostname,
		target:          target,
		readableCommand: strings.Join(argv, " "),
		trackingID:      trackingID,
		argv:            argv,
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{}
	cmd.Stderr = &r.stderr
	r.cmd = cmd

	s.logger.Info("executing command",
		"hostname", s.hostname, "target", target,
		"command", r.readableCommand, "tracking_id", trackingID)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %q on target %s: %w", argv[0], target, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.running[pid] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(pid, r)
	return nil
}

// Running lists the children that have not exited yet, ordered by pid.
func (s *Supervisor) Running() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]RunInfo, 0, len(s.running))
	for pid, r := range s.running {
		infos = append(infos, RunInfo{
			Target:  r.target,
			Command: renderWithoutTrackingID(r.argv),
			PID:     pid,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

// Wait blocks until every supervised child has exited and its outcome
// was published. Used on shutdown and in tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(pid int, r *run) {
	defer s.wg.Done()

	err := r.cmd.Wait()

	s.mu.Lock()
	delete(s.running, pid)
	s.mu.Unlock()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Wait itself failed; the child state is unknown, report
			// it as a failure carrying the error text.
			s.publishFailed(r, -1, err.Error())
			return
		}
	}

	if exitCode == 0 {
		s.publishFinished(r)
		return
	}
	s.publishFailed(r, exitCode, stderrText(&r.stderr))
}

func (s *Supervisor) publishFinished(r *run) {
	message := fmt.Sprintf("(%s) target[%s] request finished: %q succeeded.",
		r.hostname, r.target, r.readableCommand)
	s.logger.Info("command finished",
		"hostname", r.hostname, "target", r.target, "command", r.readableCommand)

	s.counters.Increment(metrics.CommandsSucceeded(r.target))
	if err := s.bus.PublishCommandOutcome(r.target, r.readableCommand,
		event.StateFinished, message, r.trackingID); err != nil {
		s.logger.Warn("publishing finished event failed",
			"target", r.target, "error", err)
	}
}

func (s *Supervisor) publishFailed(r *run, exitCode int, message string) {
	s.logger.Error("command failed",
		"hostname", r.hostname, "target", r.target,
		"command", r.readableCommand, "exit_code", exitCode)

	s.counters.Increment(metrics.CommandsFailed(r.target))
	if err := s.bus.PublishCommandOutcome(r.target, r.readableCommand,
		event.StateFailed, message, r.trackingID); err != nil {
		s.logger.Warn("publishing failed event failed",
			"target", r.target, "error", err)
	}
}

// stderrText renders captured stderr for the failure message. The
// child may emit arbitrary bytes; invalid UTF-8 is replaced rather
// than propagated into JSON payloads.
func stderrText(buf *bytes.Buffer) string {
	return strings.ToValidUTF8(buf.String(), "�")
}

func renderWithoutTrackingID(argv []string) string {
	kept := make([]string, 0, len(argv))
	for _, arg := range argv {
		if strings.HasPrefix(arg, "--tracking-id=") {
			continue
		}
		kept = append(kept, arg)
	}
	return strings.Join(kept, " ")
}
