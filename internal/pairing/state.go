package pairing

import (
	"sync"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

// State is one node of the pairing state machine:
// Idle -> Requested -> WaitingForInput -> Confirming -> Bonding ->
// (Complete | Failed | Cancelled), with terminal states resetting to Idle.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateWaitingForInput
	StateConfirming
	StateBonding
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateWaitingForInput:
		return "waiting_for_input"
	case StateConfirming:
		return "confirming"
	case StateBonding:
		return "bonding"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Terminal reports whether s ends a pairing attempt.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

var validTransitions = map[State][]State{
	StateIdle:            {StateRequested},
	StateRequested:       {StateWaitingForInput, StateConfirming, StateBonding, StateFailed, StateCancelled},
	StateWaitingForInput: {StateConfirming, StateBonding, StateFailed, StateCancelled},
	StateConfirming:      {StateBonding, StateFailed, StateCancelled},
	StateBonding:         {StateComplete, StateFailed, StateCancelled},
	StateComplete:        {StateIdle},
	StateFailed:          {StateIdle},
	StateCancelled:       {StateIdle},
}

// Context is the ephemeral record of one pairing attempt.
type Context struct {
	DevicePath string
	DeviceMAC  string
	Capability Capability
	Initiator  bool

	// PendingPrompt names the outstanding user interaction, if any
	// ("pin", "passkey", "confirmation", "authorization", "service_auth").
	PendingPrompt string

	Passkey uint32
	PinCode string
	Err     error
}

// Callbacks: OnStateChange fires on every transition, the others on their
// terminal state. Each field may be nil.
type Callbacks struct {
	OnStateChange func(old, new State)
	OnComplete    func(Context)
	OnFailed      func(Context)
	OnCancelled   func(Context)
}

// Machine enforces the valid-transition table and invokes callbacks on
// terminal states. External Cancel is accepted from any non-terminal state.
type Machine struct {
	mu        sync.Mutex
	state     State
	ctx       Context
	callbacks Callbacks
}

// NewMachine creates a machine in Idle.
func NewMachine(cb Callbacks) *Machine {
	return &Machine{callbacks: cb}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the current pairing context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Begin starts a pairing attempt for the device, moving Idle -> Requested.
func (m *Machine) Begin(devicePath, mac string, capability Capability, initiator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		// A finished attempt resets implicitly when the next one begins.
		m.state = StateIdle
	}
	if err := m.transitionLocked(StateRequested); err != nil {
		return err
	}
	m.ctx = Context{DevicePath: devicePath, DeviceMAC: mac, Capability: capability, Initiator: initiator}
	return nil
}

// Transition moves the machine to next, failing with KindInProgress on an
// invalid edge.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(next)
}

func (m *Machine) transitionLocked(next State) error {
	allowed := false
	for _, s := range validTransitions[m.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return bleeperr.New(bleeperr.KindInProgress, "pairing transition "+m.state.String()+" -> "+next.String())
	}
	old := m.state
	m.state = next
	ctx := m.ctx

	cb := m.callbacks
	m.mu.Unlock()
	if cb.OnStateChange != nil {
		cb.OnStateChange(old, next)
	}
	switch next {
	case StateComplete:
		if cb.OnComplete != nil {
			cb.OnComplete(ctx)
		}
	case StateFailed:
		if cb.OnFailed != nil {
			cb.OnFailed(ctx)
		}
	case StateCancelled:
		if cb.OnCancelled != nil {
			cb.OnCancelled(ctx)
		}
	}
	m.mu.Lock()
	return nil
}

// SetPrompt records the outstanding user interaction while in
// WaitingForInput/Confirming.
func (m *Machine) SetPrompt(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.PendingPrompt = prompt
}

// Fail records err and transitions to Failed. From a terminal state this is
// a no-op so a late IPC error can't clobber a Cancelled outcome.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || m.state == StateIdle {
		return
	}
	m.ctx.Err = err
	_ = m.transitionLocked(StateFailed)
}

// Cancel accepts an external cancel from any non-terminal, non-idle state;
// the terminal state becomes Cancelled.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || m.state == StateIdle {
		return
	}
	_ = m.transitionLocked(StateCancelled)
}

// Reset returns a terminal machine to Idle for the next attempt.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		m.state = StateIdle
		m.ctx = Context{}
	}
}
