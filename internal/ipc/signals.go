package ipc

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// SignalKind distinguishes the three D-Bus signal shapes BLEEP consumes.
type SignalKind int

const (
	SignalPropertiesChanged SignalKind = iota
	SignalInterfacesAdded
	SignalInterfacesRemoved
)

// Event is the decoded, kind-tagged form of a raw *dbus.Signal, handed to
// the signal router (internal/signalrouter) for filtering and dispatch.
type Event struct {
	Kind      SignalKind
	Path      dbus.ObjectPath
	Interface string
	Changed   map[string]dbus.Variant // PropertiesChanged
	Invalid   []string                // PropertiesChanged
	Added     map[string]map[string]dbus.Variant // InterfacesAdded
	Removed   []string                            // InterfacesRemoved
}

// SubscribeAll installs match rules for PropertiesChanged and
// InterfacesAdded/Removed under the BlueZ namespace and returns a channel of
// decoded Events. This is the IPC dispatch thread's sole entry point
//: all deserialization happens here before handing events to
// the router.
func (p *Pool) SubscribeAll(h *Handle, namespace string) (<-chan Event, error) {
	conn := h.Conn()

	rules := []string{
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path_namespace='" + namespace + "'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded',path_namespace='" + namespace + "'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesRemoved',path_namespace='" + namespace + "'",
	}
	for _, r := range rules {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, r); call.Err != nil {
			return nil, call.Err
		}
	}

	raw := make(chan *dbus.Signal, 64)
	conn.Signal(raw)

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for sig := range raw {
			if ev, ok := decode(sig); ok {
				out <- ev
			}
		}
	}()
	return out, nil
}

func decode(sig *dbus.Signal) (Event, bool) {
	switch {
	case strings.HasSuffix(sig.Name, ".PropertiesChanged"):
		if len(sig.Body) < 2 {
			return Event{}, false
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		var invalid []string
		if len(sig.Body) > 2 {
			invalid, _ = sig.Body[2].([]string)
		}
		return Event{
			Kind:      SignalPropertiesChanged,
			Path:      sig.Path,
			Interface: iface,
			Changed:   changed,
			Invalid:   invalid,
		}, true

	case strings.HasSuffix(sig.Name, ".InterfacesAdded"):
		if len(sig.Body) < 2 {
			return Event{}, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		added, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		return Event{Kind: SignalInterfacesAdded, Path: path, Added: added}, true

	case strings.HasSuffix(sig.Name, ".InterfacesRemoved"):
		if len(sig.Body) < 2 {
			return Event{}, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		removed, _ := sig.Body[1].([]string)
		return Event{Kind: SignalInterfacesRemoved, Path: path, Removed: removed}, true
	}
	return Event{}, false
}

// VariantBool is a small helper for reading a bool out of a changed-
// properties map, used throughout the adapter/device/agent layers.
func VariantBool(v dbus.Variant) (bool, bool) {
	b, ok := v.Value().(bool)
	return b, ok
}

// VariantString reads a string out of a dbus.Variant.
func VariantString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}

// VariantInt16 reads an int16 (RSSI is typically int16 over D-Bus).
func VariantInt16(v dbus.Variant) (int16, bool) {
	i, ok := v.Value().(int16)
	return i, ok
}
