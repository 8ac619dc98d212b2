package gatt

import (
	"context"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

const (
	serviceIface    = "org.bluez.GattService1"
	charIface       = "org.bluez.GattCharacteristic1"
	descriptorIface = "org.bluez.GattDescriptor1"
)

// node is a tagged variant in place of dynamic
// dispatch over the D-Bus object tree: Resolve classifies every path under
// the device by its declared interface set, not by nominal inheritance.
type node struct {
	path   dbus.ObjectPath
	ifaces map[string]map[string]dbus.Variant
}

// Resolve walks the object tree under the device path via
// GetManagedObjects, classifying children into Service/Characteristic/
// Descriptor by their interface set and cross-linking handles to UUIDs.
// It mutates s.Device in place and returns the number of services
// resolved.
func (s *Session) Resolve(ctx context.Context) (int, error) {
	var objs []ipc.ManagedObject
	err := reliability.Guard(ctx, s.metrics, reliability.OpGetProperty, func(cctx context.Context) error {
		var e error
		objs, e = s.pool.GetManagedObjects(cctx)
		return e
	})
	if err != nil {
		return 0, err
	}

	nodes := make([]node, 0, len(objs))
	for _, o := range objs {
		if !strings.HasPrefix(string(o.Path), string(s.path)+"/") {
			continue
		}
		nodes = append(nodes, node{path: o.Path, ifaces: o.Interfaces})
	}

	// Services first, so characteristics can be attached by parent path.
	// Each Upsert*/Add* call below self-locks the device for its own
	// read-modify-write step; no lock is held across the whole walk.
	svcIndexByPath := make(map[dbus.ObjectPath]int)
	for _, n := range nodes {
		props, ok := n.ifaces[serviceIface]
		if !ok {
			continue
		}
		uuid, _ := ipc.VariantString(props["UUID"])
		if uuid == "" {
			continue
		}
		idx := s.Device.UpsertService(model.Service{UUID: uuid})
		svcIndexByPath[n.path] = idx
	}

	charIndexByPath := make(map[dbus.ObjectPath]struct{ svc, char int })
	for _, n := range nodes {
		props, ok := n.ifaces[charIface]
		if !ok {
			continue
		}
		uuid, _ := ipc.VariantString(props["UUID"])
		if uuid == "" {
			continue
		}
		svcPath := props["Service"]
		parentPath, _ := svcPath.Value().(dbus.ObjectPath)
		svcIdx, ok := svcIndexByPath[parentPath]
		if !ok {
			continue
		}
		flags := decodeFlags(props["Flags"])
		charIdx := s.Device.UpsertCharacteristic(svcIdx, model.Characteristic{
			UUID:   uuid,
			Flags:  flags,
			Handle: handleFromPath(n.path),
		})
		charIndexByPath[n.path] = struct{ svc, char int }{svcIdx, charIdx}
	}

	for _, n := range nodes {
		props, ok := n.ifaces[descriptorIface]
		if !ok {
			continue
		}
		uuid, _ := ipc.VariantString(props["UUID"])
		if uuid == "" {
			continue
		}
		charPathV, ok := props["Characteristic"]
		if !ok {
			continue
		}
		parentPath, _ := charPathV.Value().(dbus.ObjectPath)
		loc, ok := charIndexByPath[parentPath]
		if !ok {
			continue
		}
		s.Device.AddDescriptor(loc.svc, loc.char, model.Descriptor{UUID: uuid})
	}

	return len(svcIndexByPath), nil
}

func decodeFlags(v dbus.Variant) model.PropertyFlags {
	raw, _ := v.Value().([]string)
	var f model.PropertyFlags
	for _, fl := range raw {
		switch fl {
		case "read":
			f.Read = true
		case "write":
			f.Write = true
		case "write-without-response":
			f.WriteWithoutResp = true
		case "notify":
			f.Notify = true
		case "indicate":
			f.Indicate = true
		case "authenticated-signed-writes":
			f.AuthenticatedWrite = true
		case "encrypt-read":
			f.EncryptRead = true
		case "encrypt-authenticated-read":
			f.EncryptAuthRead = true
		case "encrypt-write":
			f.EncryptWrite = true
		case "encrypt-authenticated-write":
			f.EncryptAuthWrite = true
		case "broadcast":
			f.Broadcast = true
		case "extended-properties":
			f.ExtendedProperties = true
		}
	}
	return f
}

// findCharacteristicPath returns the D-Bus object path of the characteristic
// identified by UUID by scanning GetManagedObjects under the device path.
// model.Device stays free of D-Bus types, so the path is looked up again on
// every call; nothing caches it.
func (s *Session) findCharacteristicPath(ctx context.Context, charUUID string) (dbus.ObjectPath, error) {
	objs, err := s.pool.GetManagedObjects(ctx)
	if err != nil {
		return "", err
	}
	charUUID = strings.ToLower(charUUID)
	for _, o := range objs {
		if !strings.HasPrefix(string(o.Path), string(s.path)+"/") {
			continue
		}
		props, ok := o.Interfaces[charIface]
		if !ok {
			continue
		}
		uuid, _ := ipc.VariantString(props["UUID"])
		if strings.ToLower(uuid) == charUUID {
			return o.Path, nil
		}
	}
	return "", bleeperr.New(bleeperr.KindUnknownObject, charUUID)
}

// handleFromPath extracts a numeric GATT handle hint from a characteristic
// path's trailing segment when BlueZ encodes one (e.g. charN); returns 0 if
// absent, matching "optional handle" fields.
func handleFromPath(path dbus.ObjectPath) uint16 {
	s := string(path)
	i := strings.LastIndex(s, "char")
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseUint(s[i+4:], 16, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
