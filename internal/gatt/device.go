// Package gatt implements the device connect lifecycle and GATT
// enumeration engine: connect/disconnect, services-resolved tracking,
// tree resolution, read/write/notify, and the four enumeration policies
// layered on that shared kernel.
package gatt

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

const deviceIface = "org.bluez.Device1"

// LifecycleState is one state's device state machine:
// New -> Connecting -> Connected -> ServicesResolving -> ServicesResolved
// -> (Enumerating | Idle) -> Disconnecting -> New.
type LifecycleState int

const (
	StateNew LifecycleState = iota
	StateConnecting
	StateConnected
	StateServicesResolving
	StateServicesResolved
	StateEnumerating
	StateIdle
	StateDisconnecting
)

func (s LifecycleState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServicesResolving:
		return "services_resolving"
	case StateServicesResolved:
		return "services_resolved"
	case StateEnumerating:
		return "enumerating"
	case StateIdle:
		return "idle"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "new"
	}
}

// Session binds a model.Device to its IPC path and drives the lifecycle
// state machine. One Session exists per connection attempt; recovery
// preserves the Intent captured here across reconnects.
type Session struct {
	mu    sync.Mutex
	state LifecycleState

	pool    *ipc.Pool
	metrics *reliability.Metrics
	path    dbus.ObjectPath

	Device *model.Device

	// Subscribed tracks characteristic UUIDs with an active notify
	// subscription, preserved across Disconnect so recovery can resume them
	// ("reconnection restores prior intent").
	Subscribed map[string]bool

	notifies map[string]notifySub
}

// NewSession creates a Session in the New state for the device at path.
func NewSession(pool *ipc.Pool, metrics *reliability.Metrics, path dbus.ObjectPath, device *model.Device) *Session {
	return &Session{
		pool:       pool,
		metrics:    metrics,
		path:       path,
		Device:     device,
		Subscribed: make(map[string]bool),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st LifecycleState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect drives New -> Connecting -> Connected, then waits for
// ServicesResolved (capped at servicesResolvedTimeout).
func (s *Session) Connect(ctx context.Context, events <-chan ipc.Event) error {
	s.setState(StateConnecting)

	err := reliability.Guard(ctx, s.metrics, reliability.OpConnect, func(cctx context.Context) error {
		h, err := s.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, s.path)
		call := obj.CallWithContext(cctx, deviceIface+".Connect", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("Device1.Connect", call.Err)
		}
		return nil
	})
	if err != nil {
		s.setState(StateNew)
		return err
	}
	s.setState(StateConnected)
	s.Device.Connected = true

	s.setState(StateServicesResolving)
	if err := s.waitServicesResolved(ctx, events); err != nil {
		return err
	}
	s.setState(StateServicesResolved)
	s.Device.ServicesResolved = true
	s.setState(StateIdle)
	return nil
}

const servicesResolvedTimeout = 10 * time.Second // default cap

func (s *Session) waitServicesResolved(ctx context.Context, events <-chan ipc.Event) error {
	cctx, cancel := context.WithTimeout(ctx, servicesResolvedTimeout)
	defer cancel()
	for {
		select {
		case <-cctx.Done():
			return bleeperr.New(bleeperr.KindOperationTimeout, "services_resolved")
		case ev, ok := <-events:
			if !ok {
				return bleeperr.New(bleeperr.KindOperationTimeout, "services_resolved")
			}
			if ev.Kind != ipc.SignalPropertiesChanged || ev.Path != s.path {
				continue
			}
			if v, ok := ev.Changed["ServicesResolved"]; ok {
				if resolved, ok := ipc.VariantBool(v); ok && resolved {
					return nil
				}
			}
		}
	}
}

// Disconnect drives any state -> Disconnecting -> New. Pending
// subscriptions in s.Subscribed are left intact so RecoveryManager's
// reconnect hook can resubscribe them.
func (s *Session) Disconnect(ctx context.Context) error {
	s.setState(StateDisconnecting)
	err := reliability.Guard(ctx, s.metrics, reliability.OpDisconnect, func(cctx context.Context) error {
		h, err := s.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, s.path)
		call := obj.CallWithContext(cctx, deviceIface+".Disconnect", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("Device1.Disconnect", call.Err)
		}
		return nil
	})
	s.Device.Connected = false
	s.Device.ServicesResolved = false
	s.setState(StateNew)
	return err
}
