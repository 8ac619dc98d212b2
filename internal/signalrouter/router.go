package signalrouter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

// Router dispatches Signals against an ordered list of routes, running
// every matched route's actions through its Executor. One goroutine drains
// the router so signals are delivered in receipt order; there is no
// process-wide router singleton, callers hold the instance they built.
type Router struct {
	mu       sync.RWMutex
	routes   []Route
	exec     *Executor
	dropped  atomic.Int64
	logs     *bleeplog.Set
}

// NewRouter builds a Router with an empty route set; call ReloadConfig
// (or append routes via AddRoute) before Dispatch sees any traffic.
func NewRouter(exec *Executor, logs *bleeplog.Set) *Router {
	return &Router{exec: exec, logs: logs}
}

// ReloadConfig atomically replaces the active route set with cfg.Routes.
func (r *Router) ReloadConfig(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = cfg.Routes
}

// AddRoute appends one route to the active set without touching the rest.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// Dispatch matches sig against every enabled route in declaration order
// and runs each match's actions. A failing action is isolated — logged
// and skipped — so one misbehaving route (e.g. an unregistered callback)
// never blocks the rest of the pipeline
// try/except in ActionExecutor.execute.
func (r *Router) Dispatch(ctx context.Context, sig Signal) {
	r.mu.RLock()
	routes := make([]Route, len(r.routes))
	copy(routes, r.routes)
	r.mu.RUnlock()

	for _, route := range routes {
		if !route.Enabled {
			continue
		}
		if !route.Filter.Matches(sig) {
			continue
		}
		for _, action := range route.Actions {
			err := r.exec.Execute(ctx, action, sig)
			if err != nil && action.Type == ActionForward {
				r.dropped.Add(1)
			}
			if err != nil && r.logs != nil {
				logger := r.logs.Logger(bleeplog.Debug)
				logger.Debug().
					Str("route", route.Name).
					Str("action", string(action.Type)).
					Err(err).
					Msg("signal action failed")
			}
		}
	}
}

// Run drains events from an ipc.Event stream, translating each one into a
// Signal and dispatching it, until ctx is cancelled or the channel
// closes. This is the integration hook signal pipeline needs
// into the adapter/device PropertiesChanged stream; GATT read/write/notify
// signals are dispatched directly by internal/gatt's HistorySink instead,
// since those already carry resolved service/characteristic UUIDs an
// ipc.Event alone doesn't have.
func (r *Router) Run(ctx context.Context, events <-chan ipc.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != ipc.SignalPropertiesChanged {
				continue
			}
			for prop, v := range ev.Changed {
				r.Dispatch(ctx, Signal{
					Type:         SignalPropertyChange,
					Path:         string(ev.Path),
					PropertyName: prop,
					Value:        []byte(propertyValueString(v)),
				})
			}
		}
	}
}

// HistorySink adapts the router into internal/gatt.HistorySink's
// function-value shape so read/write/notify events flow through the same
// filter/action pipeline as property changes.
func (r *Router) HistorySink(ctx context.Context) func(svcUUID, charUUID string, sigType SignalType, deviceMAC string, value []byte) {
	return func(svcUUID, charUUID string, sigType SignalType, deviceMAC string, value []byte) {
		r.Dispatch(ctx, Signal{
			Type:        sigType,
			ServiceUUID: svcUUID,
			CharUUID:    charUUID,
			DeviceMAC:   deviceMAC,
			Value:       value,
		})
	}
}

// propertyValueString renders a property-change value for filtering; byte
// slices stay raw, everything else goes through fmt.
func propertyValueString(v dbus.Variant) string {
	if b, ok := v.Value().([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v.Value())
}

// DroppedForwards reports how many ActionForward actions hit a full
// channel and were dropped, letting the caller surface that count instead
// of silently losing signals.
func (r *Router) DroppedForwards() int64 {
	return r.dropped.Load()
}
