// Package pairing exposes BLEEP's authentication agent to the host stack,
// drives the pairing state machine, and persists completed bonds.
package pairing

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

const (
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	agentManagerPath  = dbus.ObjectPath("/org/bluez")

	// AgentPath is where the agent object is exported on the bus.
	AgentPath = dbus.ObjectPath("/com/bleep/agent")

	errRejected = "org.bluez.Error.Rejected"
	errCanceled = "org.bluez.Error.Canceled"
)

// Agent is the IPC object the host stack calls back into during pairing.
// One Agent is registered per process; the health monitor re-registers it
// after a daemon restart.
type Agent struct {
	pool    *ipc.Pool
	metrics *reliability.Metrics
	io      IOHandler
	machine *Machine
	bonds   *BondStore
	log     zerolog.Logger

	adapterPath string

	mu         sync.Mutex
	handle     *ipc.Handle
	capability Capability
	registered bool
}

// NewAgent builds an unregistered agent. bonds may be nil to disable bond
// persistence.
func NewAgent(pool *ipc.Pool, metrics *reliability.Metrics, io IOHandler, bonds *BondStore, adapterPath string, log zerolog.Logger, cb Callbacks) *Agent {
	return &Agent{
		pool:        pool,
		metrics:     metrics,
		io:          io,
		machine:     NewMachine(cb),
		bonds:       bonds,
		log:         log,
		adapterPath: adapterPath,
	}
}

// Machine exposes the pairing state machine for observers.
func (a *Agent) Machine() *Machine { return a.machine }

// Register exports the agent object and announces it to the stack's agent
// manager with the given capability profile; asDefault additionally claims
// the default-agent slot.
func (a *Agent) Register(ctx context.Context, capability Capability, asDefault bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handle == nil {
		h, err := a.pool.WithBus(ctx)
		if err != nil {
			return err
		}
		a.handle = h
		if err := h.Conn().Export(a, AgentPath, agentIface); err != nil {
			return bleeperr.Wrap(bleeperr.KindIpcUnavailable, "export agent", err)
		}
	}

	mgr := a.handle.Conn().Object(ipc.BusService, agentManagerPath)
	call := mgr.CallWithContext(ctx, agentManagerIface+".RegisterAgent", 0, AgentPath, string(capability))
	if call.Err != nil && !isAlreadyExists(call.Err) {
		return bleeperr.FromDBusError("RegisterAgent", call.Err)
	}
	if asDefault {
		call = mgr.CallWithContext(ctx, agentManagerIface+".RequestDefaultAgent", 0, AgentPath)
		if call.Err != nil {
			return bleeperr.FromDBusError("RequestDefaultAgent", call.Err)
		}
	}
	a.capability = capability
	a.registered = true
	a.log.Info().Str("capability", string(capability)).Bool("default", asDefault).Msg("agent registered")
	return nil
}

func isAlreadyExists(err error) bool {
	return bleeperr.KindOf(bleeperr.FromDBusError("", err)) == bleeperr.KindAlreadyExists
}

// Unregister withdraws the agent from the stack and releases the held bus
// connection.
func (a *Agent) Unregister(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.registered || a.handle == nil {
		return nil
	}
	mgr := a.handle.Conn().Object(ipc.BusService, agentManagerPath)
	call := mgr.CallWithContext(ctx, agentManagerIface+".UnregisterAgent", 0, AgentPath)
	a.registered = false
	a.handle.Release()
	a.handle = nil
	if call.Err != nil {
		return bleeperr.FromDBusError("UnregisterAgent", call.Err)
	}
	return nil
}

// WatchHealth re-registers the agent when the health monitor reports the
// daemon came back after a restart.
func (a *Agent) WatchHealth(h *reliability.HealthMonitor) {
	h.Subscribe(func(ev reliability.HealthEvent) {
		if ev != reliability.EventRestarted {
			return
		}
		a.mu.Lock()
		wasRegistered := a.registered
		capability := a.capability
		// The old connection died with the daemon; drop it so Register
		// exports onto a fresh one.
		if a.handle != nil {
			a.handle.MarkUnhealthy()
			a.handle.Release()
			a.handle = nil
		}
		a.registered = false
		a.mu.Unlock()

		if wasRegistered {
			if err := a.Register(context.Background(), capability, true); err != nil {
				a.log.Error().Err(err).Msg("agent re-registration failed")
			}
		}
	})
}

// Pair initiates pairing with the device at path and drives the state
// machine to a terminal state. On Complete with a bondable capability the
// bond record is persisted.
func (a *Agent) Pair(ctx context.Context, path dbus.ObjectPath, mac string, keyMaterial []byte) error {
	if err := a.machine.Begin(string(path), mac, a.capability, true); err != nil {
		return err
	}

	err := reliability.Guard(ctx, a.metrics, reliability.OpPair, func(cctx context.Context) error {
		h, err := a.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		call := h.Conn().Object(ipc.BusService, path).CallWithContext(cctx, "org.bluez.Device1.Pair", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("Device1.Pair", call.Err)
		}
		return nil
	})
	if err != nil {
		if bleeperr.KindOf(err) == bleeperr.KindAuthenticationCancelled {
			a.machine.Cancel()
		} else {
			a.machine.Fail(bleeperr.Wrap(bleeperr.KindPairingFailed, mac, err))
		}
		return err
	}

	// Pair returned: any prompt round-trips already happened through the
	// exported methods below, so the remaining edge is Bonding -> Complete.
	if a.machine.State() != StateBonding {
		_ = a.machine.Transition(StateBonding)
	}
	if err := a.machine.Transition(StateComplete); err != nil {
		return err
	}

	if a.bonds != nil && a.capability.Bondable() {
		rec := BondRecord{MAC: mac, KeyMaterial: keyMaterial, Capability: a.capability}
		if err := a.bonds.Save(rec); err != nil {
			a.log.Error().Err(err).Str("mac", mac).Msg("bond persist failed")
		}
	}
	return nil
}

// CancelPairing accepts an external cancel; the machine lands in Cancelled.
func (a *Agent) CancelPairing() {
	a.machine.Cancel()
	a.io.Cancel()
}

func (a *Agent) deviceInfo(device dbus.ObjectPath) string {
	if mac := ipc.MacFromPath(a.adapterPath, device); mac != "" {
		return mac
	}
	return string(device)
}

// replyError maps an IO-handler failure onto the agent error vocabulary
// the stack understands: a cancelled prompt is Canceled, everything else
// Rejected.
func replyError(err error) *dbus.Error {
	if bleeperr.KindOf(err) == bleeperr.KindAuthenticationCancelled {
		return dbus.NewError(errCanceled, nil)
	}
	return dbus.NewError(errRejected, nil)
}

func (a *Agent) beginInbound(device dbus.ObjectPath, prompt string) {
	if a.machine.State() == StateIdle || a.machine.State().Terminal() {
		_ = a.machine.Begin(string(device), ipc.MacFromPath(a.adapterPath, device), a.capability, false)
	}
	_ = a.machine.Transition(StateWaitingForInput)
	a.machine.SetPrompt(prompt)
}

// --- org.bluez.Agent1 exported methods -----------------------------------

// Release is the stack announcing it dropped the agent.
func (a *Agent) Release() *dbus.Error {
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.log.Info().Msg("agent released by stack")
	return nil
}

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	a.beginInbound(device, "pin")
	pin, err := a.io.RequestPinCode(a.deviceInfo(device))
	if err != nil {
		a.machine.Fail(err)
		return "", replyError(err)
	}
	_ = a.machine.Transition(StateBonding)
	return pin, nil
}

func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.io.DisplayPinCode(a.deviceInfo(device), pincode)
	return nil
}

func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	a.beginInbound(device, "passkey")
	passkey, err := a.io.RequestPasskey(a.deviceInfo(device))
	if err != nil {
		a.machine.Fail(err)
		return 0, replyError(err)
	}
	_ = a.machine.Transition(StateBonding)
	return passkey, nil
}

func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.io.DisplayPasskey(a.deviceInfo(device), passkey, entered)
	return nil
}

func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.beginInbound(device, "confirmation")
	_ = a.machine.Transition(StateConfirming)
	ok, err := a.io.RequestConfirmation(a.deviceInfo(device), passkey)
	if err != nil {
		a.machine.Fail(err)
		return replyError(err)
	}
	if !ok {
		a.machine.Fail(bleeperr.New(bleeperr.KindAuthenticationFailed, "confirmation rejected"))
		return dbus.NewError(errRejected, nil)
	}
	_ = a.machine.Transition(StateBonding)
	return nil
}

func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	a.beginInbound(device, "authorization")
	ok, err := a.io.RequestAuthorization(a.deviceInfo(device))
	if err != nil {
		a.machine.Fail(err)
		return replyError(err)
	}
	if !ok {
		a.machine.Fail(bleeperr.New(bleeperr.KindNotAuthorized, "authorization rejected"))
		return dbus.NewError(errRejected, nil)
	}
	_ = a.machine.Transition(StateBonding)
	return nil
}

func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	ok, err := a.io.AuthorizeService(a.deviceInfo(device), uuid)
	if err != nil || !ok {
		return dbus.NewError(errRejected, nil)
	}
	return nil
}

// Cancel is the stack withdrawing an outstanding request.
func (a *Agent) Cancel() *dbus.Error {
	a.io.Cancel()
	a.machine.Cancel()
	return nil
}
