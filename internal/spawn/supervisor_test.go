package spawn

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/event"
	"github.com/nugget/reeve/internal/metrics"
)

// fakeBus records published command outcomes.
type fakeBus struct {
	mu       sync.Mutex
	outcomes []outcome
}

type outcome struct {
	target     string
	command    string
	state      string
	message    string
	trackingID string
}

func (b *fakeBus) PublishCommandOutcome(target, command, state, message, trackingID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, outcome{target, command, state, message, trackingID})
	return nil
}

func (b *fakeBus) published() []outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]outcome(nil), b.outcomes...)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeBus, *metrics.Counters) {
	t.Helper()
	bus := &fakeBus{}
	counters := metrics.NewCounters()
	return New("host01", bus, counters, nil), bus, counters
}

func TestSpawnSuccessPublishesFinished(t *testing.T) {
	t.Parallel()

	s, bus, counters := newTestSupervisor(t)
	err := s.Spawn("dev01", t.TempDir(), []string{"/bin/sh", "-c", "exit 0"}, "t1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Wait()

	got := bus.published()
	if len(got) != 1 {
		t.Fatalf("published %d outcomes, want 1: %v", len(got), got)
	}
	o := got[0]
	if o.state != event.StateFinished {
		t.Errorf("state = %q, want finished", o.state)
	}
	if o.target != "dev01" || o.trackingID != "t1" {
		t.Errorf("outcome = %+v", o)
	}
	if !strings.Contains(o.message, "succeeded") {
		t.Errorf("message = %q, want success note", o.message)
	}
	if counters.Value("commands_succeeded.dev01") != 1 {
		t.Error("commands_succeeded.dev01 not incremented")
	}
	if counters.Value("commands_failed.dev01") != 0 {
		t.Error("commands_failed.dev01 incremented on success")
	}
}

func TestSpawnFailurePublishesStderr(t *testing.T) {
	t.Parallel()

	s, bus, counters := newTestSupervisor(t)
	err := s.Spawn("dev01", t.TempDir(),
		[]string{"/bin/sh", "-c", "echo boom >&2; exit 3"}, "t1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Wait()

	got := bus.published()
	if len(got) != 1 {
		t.Fatalf("published %d outcomes, want 1: %v", len(got), got)
	}
	o := got[0]
	if o.state != event.StateFailed {
		t.Errorf("state = %q, want failed", o.state)
	}
	if !strings.Contains(o.message, "boom") {
		t.Errorf("message = %q, want captured stderr", o.message)
	}
	if counters.Value("commands_failed.dev01") != 1 {
		t.Error("commands_failed.dev01 not incremented")
	}
}

func TestSpawnFailureWithSilentChild(t *testing.T) {
	t.Parallel()

	s, bus, _ := newTestSupervisor(t)
	if err := s.Spawn("dev01", t.TempDir(), []string{"/bin/sh", "-c", "exit 1"}, ""); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Wait()

	got := bus.published()
	if len(got) != 1 {
		t.Fatalf("published %d outcomes, want 1", len(got))
	}
	if got[0].message != "" {
		t.Errorf("message = %q, want empty for silent child", got[0].message)
	}
	if got[0].trackingID != "" {
		t.Errorf("trackingID = %q, want empty", got[0].trackingID)
	}
}

func TestSpawnStartFailure(t *testing.T) {
	t.Parallel()

	s, bus, _ := newTestSupervisor(t)
	err := s.Spawn("dev01", t.TempDir(), []string{"/nonexistent/interpreter"}, "t1")
	if err == nil {
		t.Fatal("Spawn with a missing executable succeeded")
	}
	if got := bus.published(); len(got) != 0 {
		t.Errorf("start failure published outcomes: %v", got)
	}
}

func TestSpawnEmptyArgv(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSupervisor(t)
	if err := s.Spawn("dev01", t.TempDir(), nil, ""); err == nil {
		t.Fatal("Spawn with empty argv succeeded")
	}
}

func TestRunningRegistry(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSupervisor(t)
	err := s.Spawn("dev01", t.TempDir(),
		[]string{"/bin/sh", "-c", "sleep 5"}, "t1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	running := s.Running()
	if len(running) != 1 {
		t.Fatalf("Running() = %v, want one entry", running)
	}
	r := running[0]
	if r.Target != "dev01" || r.PID <= 0 {
		t.Errorf("RunInfo = %+v", r)
	}
	if strings.Contains(r.Command, "--tracking-id") {
		t.Errorf("Command %q leaks the tracking id", r.Command)
	}

	// Tear the child down and confirm the registry drains.
	s.mu.Lock()
	for _, run := range s.running {
		run.cmd.Process.Kill()
	}
	s.mu.Unlock()
	s.Wait()

	if got := s.Running(); len(got) != 0 {
		t.Errorf("Running() after exit = %v, want empty", got)
	}
}

func TestEmptyEnvironment(t *testing.T) {
	// No t.Parallel: t.Setenv forbids it.
	t.Setenv("REEVE_TEST_MARKER", "visible")

	s, bus, _ := newTestSupervisor(t)
	err := s.Spawn("dev01", t.TempDir(),
		[]string{"/bin/sh", "-c", `test -z "$REEVE_TEST_MARKER"`}, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Wait()

	got := bus.published()
	if len(got) != 1 || got[0].state != event.StateFinished {
		t.Errorf("outcomes = %v, want one finished (parent env must not leak)", got)
	}
}

func TestWaitReturnsPromptly(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSupervisor(t)
	if err := s.Spawn("dev01", t.TempDir(), []string{"/bin/sh", "-c", "exit 0"}, ""); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the child exited")
	}
}
