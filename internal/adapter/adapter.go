// Package adapter manages the BlueZ adapter's power/discovery state and
// the four scan variants layered on the underlying
// StartDiscovery/StopDiscovery primitive. The org.bluez.Adapter1 property
// surface is exposed as an explicit State snapshot rather than ad-hoc
// property reads.
package adapter

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

const adapterIface = "org.bluez.Adapter1"

// Transport selects which radio the discovery filter targets.
type Transport string

const (
	TransportLE    Transport = "le"
	TransportBREDR Transport = "bredr"
	TransportAuto  Transport = "auto"
)

// DuplicateDataPolicy controls whether repeated advertisements from the same
// address are forwarded once (deduplicated) or every time they arrive.
type DuplicateDataPolicy string

const (
	DuplicateDataFilter DuplicateDataPolicy = "deduplicated"
	DuplicateDataForward DuplicateDataPolicy = "forward_every"
)

// Filter is the discovery filter: UUID allowlist, min-RSSI, max-pathloss,
// transport, duplicate policy, and an optional single-address restriction.
type Filter struct {
	UUIDs         []string
	Address       string // restrict discovery to one device address
	MinRSSI       int16
	HasMinRSSI    bool
	MaxPathloss   uint16
	HasPathloss   bool
	Transport     Transport
	DuplicateData DuplicateDataPolicy
}

// toDBusMap converts Filter into the dict BlueZ's SetDiscoveryFilter takes.
func (f Filter) toDBusMap() map[string]interface{} {
	m := map[string]interface{}{
		"Transport": string(f.Transport),
	}
	if len(f.UUIDs) > 0 {
		m["UUIDs"] = f.UUIDs
	}
	if f.Address != "" {
		m["Address"] = strings.ToUpper(f.Address)
	}
	if f.HasMinRSSI {
		m["RSSI"] = int16(f.MinRSSI)
	}
	if f.HasPathloss {
		m["Pathloss"] = uint16(f.MaxPathloss)
	}
	if f.DuplicateData == DuplicateDataForward {
		m["DuplicateData"] = true
	} else {
		m["DuplicateData"] = false
	}
	return m
}

// State is the adapter's property snapshot:
// {powered, discovering, discoverable, pairable, filter}.
type State struct {
	Path         dbus.ObjectPath
	Powered      bool
	Discovering  bool
	Discoverable bool
	Pairable     bool
	Filter       Filter
}

// Adapter binds a State to the IPC pool it talks through.
type Adapter struct {
	pool    *ipc.Pool
	metrics *reliability.Metrics
	path    dbus.ObjectPath
}

// New returns an Adapter bound to the given BlueZ adapter object path
// (e.g. "/org/bluez/hci0").
func New(pool *ipc.Pool, metrics *reliability.Metrics, path dbus.ObjectPath) *Adapter {
	return &Adapter{pool: pool, metrics: metrics, path: path}
}

// Path returns the adapter's D-Bus object path.
func (a *Adapter) Path() dbus.ObjectPath { return a.path }

// HciName extracts the "hciN" controller name from the adapter path, the
// identifier the recovery pipeline's controller-reset stage shells out with.
func (a *Adapter) HciName() string {
	s := string(a.path)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Refresh reads the adapter's current property snapshot.
func (a *Adapter) Refresh(ctx context.Context) (State, error) {
	var st State
	st.Path = a.path
	err := reliability.Guard(ctx, a.metrics, reliability.OpGetProperty, func(cctx context.Context) error {
		h, err := a.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()

		for prop, dst := range map[string]*bool{
			"Powered":      &st.Powered,
			"Discovering":  &st.Discovering,
			"Discoverable": &st.Discoverable,
			"Pairable":     &st.Pairable,
		} {
			v, err := a.pool.GetProperty(cctx, h, ipc.BusService, a.path, adapterIface, prop)
			if err != nil {
				return err
			}
			if b, ok := ipc.VariantBool(v); ok {
				*dst = b
			}
		}
		return nil
	})
	return st, err
}

// SetPowered toggles the adapter's Powered property, used directly by the
// recovery pipeline's power-cycle stage.
func (a *Adapter) SetPowered(ctx context.Context, on bool) error {
	return reliability.Guard(ctx, a.metrics, reliability.OpSetProperty, func(cctx context.Context) error {
		h, err := a.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		return a.pool.SetProperty(cctx, h, ipc.BusService, a.path, adapterIface, "Powered", on)
	})
}

// SetDiscoveryFilter applies f via org.bluez.Adapter1.SetDiscoveryFilter.
func (a *Adapter) SetDiscoveryFilter(ctx context.Context, f Filter) error {
	return reliability.Guard(ctx, a.metrics, reliability.OpSetProperty, func(cctx context.Context) error {
		h, err := a.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, a.path)
		call := obj.CallWithContext(cctx, adapterIface+".SetDiscoveryFilter", 0, f.toDBusMap())
		if call.Err != nil {
			return bleeperr.FromDBusError("SetDiscoveryFilter", call.Err)
		}
		return nil
	})
}

// StartDiscovery/StopDiscovery wrap the underlying BlueZ primitive the four
// scan variants build on.
func (a *Adapter) StartDiscovery(ctx context.Context) error {
	return reliability.Guard(ctx, a.metrics, reliability.OpConnect, func(cctx context.Context) error {
		h, err := a.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, a.path)
		call := obj.CallWithContext(cctx, adapterIface+".StartDiscovery", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("StartDiscovery", call.Err)
		}
		return nil
	})
}

func (a *Adapter) StopDiscovery(ctx context.Context) error {
	return reliability.Guard(ctx, a.metrics, reliability.OpDisconnect, func(cctx context.Context) error {
		h, err := a.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, a.path)
		call := obj.CallWithContext(cctx, adapterIface+".StopDiscovery", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("StopDiscovery", call.Err)
		}
		return nil
	})
}

// StartInquiry runs a BR/EDR-only discovery burst. BlueZ exposes BR/EDR
// inquiry through the same StartDiscovery call gated by a "bredr" transport
// filter, so this is SetDiscoveryFilter(bredr) + StartDiscovery.
func (a *Adapter) StartInquiry(ctx context.Context) error {
	if err := a.SetDiscoveryFilter(ctx, Filter{Transport: TransportBREDR, DuplicateData: DuplicateDataForward}); err != nil {
		return err
	}
	return a.StartDiscovery(ctx)
}
