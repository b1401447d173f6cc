// Package voting implements the per-request leader election that
// decides which of the subscribed agents executes a broadcast
// request. Every agent answering a request draws a random vote token
// and broadcasts it; each peer vote is then either a fold (the peer
// outranks us, we stand down) or a call (we outrank the peer). When
// the showdown timer fires and we have not folded, we won and spawn.
//
// A Machine exists per tracking-id and is driven from a single
// dispatcher context. Transitions are:
//
//	(create)              -> Negotiating  broadcast own vote
//	Negotiating --call    -> Negotiating
//	Negotiating --fold    -> Finish       cleanup
//	Negotiating --showdown-> Spawning     spawn
//	Spawning    --spawned -> Finish       cleanup
//	Finish      --showdown-> Finish       late timer, no-op
//
// Late votes after Finish are the caller's concern: the dispatcher
// removes finished machines from its registry, so late votes simply
// find no machine.
package voting

import (
	"fmt"
	"sync"
)

// Phase is the lifecycle phase of a voting machine.
type Phase int

const (
	// Negotiating means votes are still being traded.
	Negotiating Phase = iota
	// Spawning means the showdown was won and the spawn callback is running.
	Spawning
	// Finish means the machine is done, by fold or by spawn.
	Finish
)

func (p Phase) String() string {
	switch p {
	case Negotiating:
		return "negotiating"
	case Spawning:
		return "spawning"
	case Finish:
		return "finish"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// TransitionError reports an event that is not legal in the machine's
// current phase.
type TransitionError struct {
	TrackingID string
	Event      string
	Phase      Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("voting machine %s: event %q not allowed in phase %s",
		e.TrackingID, e.Event, e.Phase)
}

// Callbacks wire a machine back into its dispatcher. All three must
// be non-nil. They are invoked synchronously from the transition that
// triggers them, outside the machine's internal lock, so a callback
// may drive the machine further (Spawn typically ends in Spawned).
type Callbacks struct {
	// BroadcastVote publishes the machine's own vote to the peers.
	// Invoked once, on creation.
	BroadcastVote func(vote string)
	// Spawn executes the request. Invoked on a won showdown.
	Spawn func()
	// Cleanup releases the machine. Invoked on entering Finish.
	Cleanup func()
}

// Machine is the voting state machine for one tracking-id.
type Machine struct {
	trackingID string
	vote       string
	callbacks  Callbacks

	mu          sync.Mutex
	phase       Phase
	invalidated bool
}

// New creates a machine in Negotiating and broadcasts its vote.
func New(trackingID, vote string, callbacks Callbacks) *Machine {
	m := &Machine{
		trackingID: trackingID,
		vote:       vote,
		callbacks:  callbacks,
		phase:      Negotiating,
	}
	callbacks.BroadcastVote(vote)
	return m
}

// TrackingID returns the request correlation token this machine serves.
func (m *Machine) TrackingID() string {
	return m.trackingID
}

// Vote returns the machine's own vote token.
func (m *Machine) Vote() string {
	return m.vote
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Call records a peer vote that this machine outranks. Legal only
// while negotiating.
func (m *Machine) Call() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalidated {
		return nil
	}
	if m.phase != Negotiating {
		return &TransitionError{TrackingID: m.trackingID, Event: "call", Phase: m.phase}
	}
	return nil
}

// Fold stands down because a peer outranks this machine. The machine
// enters Finish and the cleanup callback runs.
func (m *Machine) Fold() error {
	m.mu.Lock()
	if m.invalidated {
		m.mu.Unlock()
		return nil
	}
	if m.phase != Negotiating {
		phase := m.phase
		m.mu.Unlock()
		return &TransitionError{TrackingID: m.trackingID, Event: "fold", Phase: phase}
	}
	m.phase = Finish
	m.mu.Unlock()

	m.callbacks.Cleanup()
	return nil
}

// Showdown ends the negotiation window. If the machine is still
// negotiating it won the election and the spawn callback runs. A
// showdown on a finished machine is the expected late timer and a
// no-op.
func (m *Machine) Showdown() error {
	m.mu.Lock()
	if m.invalidated {
		m.mu.Unlock()
		return nil
	}
	switch m.phase {
	case Finish:
		m.mu.Unlock()
		return nil
	case Spawning:
		phase := m.phase
		m.mu.Unlock()
		return &TransitionError{TrackingID: m.trackingID, Event: "showdown", Phase: phase}
	}
	m.phase = Spawning
	m.mu.Unlock()

	m.callbacks.Spawn()
	return nil
}

// Spawned acknowledges that the child process was started. The
// machine enters Finish and the cleanup callback runs.
func (m *Machine) Spawned() error {
	m.mu.Lock()
	if m.invalidated {
		m.mu.Unlock()
		return nil
	}
	if m.phase != Spawning {
		phase := m.phase
		m.mu.Unlock()
		return &TransitionError{TrackingID: m.trackingID, Event: "spawned", Phase: phase}
	}
	m.phase = Finish
	m.mu.Unlock()

	m.callbacks.Cleanup()
	return nil
}

// Invalidate permanently detaches the machine from its callbacks.
// Every later transition, including the pending showdown timer,
// becomes a no-op. Used when a replayed request replaces the machine
// registered for a tracking-id.
func (m *Machine) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = true
}
