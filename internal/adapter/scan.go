package adapter

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

// Variant names one of the four discovery behaviors.
type Variant string

const (
	VariantPassive Variant = "passive"
	VariantNaggy   Variant = "naggy"
	VariantPokey   Variant = "pokey"
	VariantBrute   Variant = "brute"
)

// Advertisement is a single observed advertising event, decoded from an
// ipc.Event's PropertiesChanged/InterfacesAdded body.
type Advertisement struct {
	MAC       string
	RSSI      int16
	HasRSSI   bool
	Name      string
	Timestamp time.Time
	Raw       map[string]dbus.Variant
}

// Sink receives advertisements as a scan runs. Implemented by the
// orchestrator, which forwards each one into the signal router and the
// observation store.
type Sink func(Advertisement)

// ScanOptions configures a Scan call.
type ScanOptions struct {
	Variant  Variant
	Timeout  time.Duration
	Target   string // normalized MAC; only honored by pokey's address filter
	Filter   Filter
}

// Scan runs one of the four discovery variants against adapter, forwarding
// every accepted advertisement to sink until timeout elapses or ctx is
// canceled. It owns adapter's discovery lifecycle for the duration of the
// call (starts it, and always stops it on return).
func (a *Adapter) Scan(ctx context.Context, opts ScanOptions, events <-chan ipc.Event, sink Sink) error {
	switch opts.Variant {
	case VariantPassive:
		return a.scanPassive(ctx, opts, events, sink)
	case VariantNaggy:
		return a.scanNaggy(ctx, opts, events, sink)
	case VariantPokey:
		return a.scanPokey(ctx, opts, events, sink)
	case VariantBrute:
		return a.scanBrute(ctx, opts, events, sink)
	default:
		return a.scanPassive(ctx, opts, events, sink)
	}
}

func decodeAdvertisement(ev ipc.Event, adapterPath string) (Advertisement, bool) {
	mac := ipc.MacFromPath(adapterPath, ev.Path)
	if mac == "" {
		return Advertisement{}, false
	}
	adv := Advertisement{MAC: mac, Timestamp: time.Now()}

	var props map[string]dbus.Variant
	switch ev.Kind {
	case ipc.SignalPropertiesChanged:
		props = ev.Changed
	case ipc.SignalInterfacesAdded:
		props = ev.Added["org.bluez.Device1"]
	default:
		return Advertisement{}, false
	}
	if props == nil {
		return Advertisement{}, false
	}
	adv.Raw = props
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := ipc.VariantInt16(v); ok {
			adv.RSSI, adv.HasRSSI = rssi, true
		}
	}
	if v, ok := props["Name"]; ok {
		if name, ok := ipc.VariantString(v); ok {
			adv.Name = name
		}
	}
	return adv, true
}

// scanPassive: deduplicated, one shot, stops after timeout, no inquiry
// phase.
func (a *Adapter) scanPassive(ctx context.Context, opts ScanOptions, events <-chan ipc.Event, sink Sink) error {
	if err := a.SetDiscoveryFilter(ctx, withDuplicatePolicy(opts.Filter, DuplicateDataFilter)); err != nil {
		return err
	}
	if err := a.StartDiscovery(ctx); err != nil {
		return err
	}
	defer a.StopDiscovery(context.Background())

	seen := make(map[string]bool)
	return a.drain(ctx, opts.Timeout, events, func(adv Advertisement) {
		if seen[adv.MAC] {
			return
		}
		seen[adv.MAC] = true
		sink(adv)
	})
}

// scanNaggy: forward every advertisement, one shot, no inquiry phase.
func (a *Adapter) scanNaggy(ctx context.Context, opts ScanOptions, events <-chan ipc.Event, sink Sink) error {
	if err := a.SetDiscoveryFilter(ctx, withDuplicatePolicy(opts.Filter, DuplicateDataForward)); err != nil {
		return err
	}
	if err := a.StartDiscovery(ctx); err != nil {
		return err
	}
	defer a.StopDiscovery(context.Background())

	return a.drain(ctx, opts.Timeout, events, sink)
}

// pokeyFilter builds pokey's discovery filter: forward every
// advertisement, and when a target is given restrict discovery to it at
// the controller so its time is spent on one address.
func pokeyFilter(opts ScanOptions) Filter {
	f := withDuplicatePolicy(opts.Filter, DuplicateDataForward)
	if opts.Target != "" {
		f.Address = opts.Target
	}
	return f
}

// scanPokey: forward every advertisement, 1-second on/off cycles repeated
// until timeout; filter by address when a target was given.
func (a *Adapter) scanPokey(ctx context.Context, opts ScanOptions, events <-chan ipc.Event, sink Sink) error {
	if err := a.SetDiscoveryFilter(ctx, pokeyFilter(opts)); err != nil {
		return err
	}

	deadline := time.Now().Add(opts.Timeout)
	const cycle = 1 * time.Second

	for time.Now().Before(deadline) {
		if err := a.StartDiscovery(ctx); err != nil {
			return err
		}
		cycleCtx, cancel := context.WithTimeout(ctx, cycle)
		err := a.drain(cycleCtx, cycle, events, func(adv Advertisement) {
			if opts.Target != "" && adv.MAC != opts.Target {
				return
			}
			sink(adv)
		})
		cancel()
		a.StopDiscovery(context.Background())
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// scanBrute: forward every advertisement, one shot with half the time
// budget, then a BR/EDR inquiry phase for the other half.
func (a *Adapter) scanBrute(ctx context.Context, opts ScanOptions, events <-chan ipc.Event, sink Sink) error {
	half := opts.Timeout / 2

	if err := a.SetDiscoveryFilter(ctx, withDuplicatePolicy(withTransport(opts.Filter, TransportLE), DuplicateDataForward)); err != nil {
		return err
	}
	if err := a.StartDiscovery(ctx); err != nil {
		return err
	}
	err := a.drain(ctx, half, events, sink)
	a.StopDiscovery(context.Background())
	if err != nil {
		return err
	}

	if err := a.StartInquiry(ctx); err != nil {
		return err
	}
	defer a.StopDiscovery(context.Background())
	return a.drain(ctx, opts.Timeout-half, events, sink)
}

func (a *Adapter) drain(ctx context.Context, timeout time.Duration, events <-chan ipc.Event, forward func(Advertisement)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if adv, ok := decodeAdvertisement(ev, string(a.path)); ok {
				forward(adv)
			}
		}
	}
}

func withDuplicatePolicy(f Filter, p DuplicateDataPolicy) Filter {
	f.DuplicateData = p
	return f
}

func withTransport(f Filter, t Transport) Filter {
	f.Transport = t
	return f
}
