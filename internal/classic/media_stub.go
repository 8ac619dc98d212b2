package classic

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

// mediaEndpointIface is the BlueZ interface a process registers under
// org.bluez.Media1.RegisterEndpoint to advertise an A2DP sink/source. BLEEP
// only needs the registration to exist so GATT/SDP reconnaissance isn't
// starved of a Media1 object during enumeration; it never negotiates a
// codec or accepts audio.
const mediaEndpointIface = "org.bluez.MediaEndpoint1"

// MediaEndpointStub satisfies the MediaEndpoint1 registration contract
// with no-op handlers. SetConfiguration always rejects so BlueZ never
// routes an actual stream through it.
type MediaEndpointStub struct {
	UUID         string
	Codec        byte
	Capabilities []byte
}

// SelectConfiguration is called by BlueZ during endpoint negotiation; the
// stub returns the capabilities unchanged since it never actually streams.
func (m *MediaEndpointStub) SelectConfiguration(capabilities []byte) ([]byte, *dbus.Error) {
	return capabilities, nil
}

// SetConfiguration is called once BlueZ has picked a transport; the stub
// refuses every configuration, keeping behavior a pure registration
// placeholder.
func (m *MediaEndpointStub) SetConfiguration(transport dbus.ObjectPath, properties map[string]dbus.Variant) *dbus.Error {
	return dbus.NewError("org.bluez.Error.NotSupported", []interface{}{"media endpoint is a registration stub"})
}

// ClearConfiguration is called when a transport is released; nothing to
// clean up since SetConfiguration never accepted one.
func (m *MediaEndpointStub) ClearConfiguration(transport dbus.ObjectPath) *dbus.Error {
	return nil
}

// Release is called when BlueZ unregisters the endpoint (e.g. adapter
// removed).
func (m *MediaEndpointStub) Release() *dbus.Error {
	return nil
}

// RegisterMediaEndpoint exports m at path and calls
// org.bluez.Media1.RegisterEndpoint on the adapter, the same
// export-then-register pattern internal/pairing uses for Agent1.
func RegisterMediaEndpoint(ctx context.Context, pool *ipc.Pool, adapterPath, path string, m *MediaEndpointStub) error {
	h, err := pool.WithBus(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	objPath := dbus.ObjectPath(path)
	if err := h.Conn().Export(m, objPath, mediaEndpointIface); err != nil {
		return bleeperr.Wrap(bleeperr.KindUnknown, "export media endpoint", err)
	}

	props := map[string]dbus.Variant{
		"UUID":  dbus.MakeVariant(m.UUID),
		"Codec": dbus.MakeVariant(m.Codec),
	}
	if len(m.Capabilities) > 0 {
		props["Capabilities"] = dbus.MakeVariant(m.Capabilities)
	}

	mediaObj := h.Conn().Object(ipc.BusService, dbus.ObjectPath(adapterPath))
	call := mediaObj.CallWithContext(ctx, "org.bluez.Media1.RegisterEndpoint", 0, objPath, props)
	if call.Err != nil {
		return bleeperr.FromDBusError("Media1.RegisterEndpoint", call.Err)
	}
	return nil
}
