// Package agentstate tracks the thinking/responding lifecycle of the agent
// for one session and gates both input admission and user interruption.
package agentstate

import (
	"errors"
	"sync"
)

// ErrBusy means a turn is already in flight. Admission control allows at most
// one; a second submit is rejected locally, never queued.
var ErrBusy = errors.New("agent already processing a turn")

// Phase of agent processing. Transitions are linear, no skipping:
// idle -> thinking -> responding -> idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseThinking
	PhaseResponding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseThinking:
		return "thinking"
	case PhaseResponding:
		return "responding"
	}
	return "unknown"
}

// Snapshot is an immutable view of the machine, delivered on every change.
type Snapshot struct {
	Phase          Phase
	CanInterrupt   bool
	PauseRequested bool
}

// Machine is the per-session processing state machine. CanInterrupt is true
// only while the phase is responding.
type Machine struct {
	mu             sync.Mutex
	phase          Phase
	canInterrupt   bool
	pauseRequested bool
	onChange       func(Snapshot)

	queue       []Snapshot // undelivered onChange snapshots, in order
	dispatching bool
}

// NewMachine constructs an idle machine. onChange may be nil.
func NewMachine(onChange func(Snapshot)) *Machine {
	return &Machine{onChange: onChange}
}

// notifyLocked queues a snapshot for the single dispatcher goroutine, so the
// observer sees transitions in the order they happened.
func (m *Machine) notifyLocked() {
	if m.onChange == nil {
		return
	}
	m.queue = append(m.queue, Snapshot{Phase: m.phase, CanInterrupt: m.canInterrupt, PauseRequested: m.pauseRequested})
	if m.dispatching {
		return
	}
	m.dispatching = true
	go m.dispatch()
}

func (m *Machine) dispatch() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.dispatching = false
			m.mu.Unlock()
			return
		}
		snap := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.onChange(snap)
	}
}

// Begin admits a new user turn, moving idle -> thinking and gating further
// input. Returns ErrBusy if a turn is already in flight.
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseIdle {
		return ErrBusy
	}
	m.phase = PhaseThinking
	m.notifyLocked()
	return nil
}

// MarkResponding records receipt of the terminal response. Interrupt becomes
// allowed from the first moment the response begins rendering.
func (m *Machine) MarkResponding() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseThinking {
		return
	}
	m.phase = PhaseResponding
	m.canInterrupt = true
	m.notifyLocked()
}

// Finish returns to idle from any phase and clears both flags. The terminal
// state is always idle regardless of how the turn ended.
func (m *Machine) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle && !m.canInterrupt && !m.pauseRequested {
		return
	}
	m.phase = PhaseIdle
	m.canInterrupt = false
	m.pauseRequested = false
	m.notifyLocked()
}

// Interrupt requests a pause of the in-flight response. It reports whether
// the interrupt was meaningful: only while responding with CanInterrupt set.
// A meaningful interrupt latches PauseRequested; the caller completes the
// transition to idle with Finish once rendering stops.
func (m *Machine) Interrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canInterrupt || m.phase != PhaseResponding {
		return false
	}
	m.pauseRequested = true
	m.notifyLocked()
	return true
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Phase: m.phase, CanInterrupt: m.canInterrupt, PauseRequested: m.pauseRequested}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// CanInterrupt reports whether an interrupt would be meaningful right now.
func (m *Machine) CanInterrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canInterrupt
}

// PauseRequested reports whether an interrupt has been latched.
func (m *Machine) PauseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseRequested
}

// InputHint returns the placeholder text the embedding UI should show while
// input is gated.
func (m *Machine) InputHint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.phase {
	case PhaseThinking:
		return "Assistant is thinking..."
	case PhaseResponding:
		return "Assistant is responding..."
	}
	return "Type a message"
}

// PrimaryAction names the role of the primary action control: "send" when
// idle, "pause" while a response is interruptible, otherwise a disabled
// "processing" control.
func (m *Machine) PrimaryAction() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseResponding && m.canInterrupt {
		return "pause"
	}
	if m.phase != PhaseIdle {
		return "processing"
	}
	return "send"
}
