package adapter

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

func TestDecodeAdvertisementFromPropertiesChanged(t *testing.T) {
	adapterPath := "/org/bluez/hci0"
	ev := ipc.Event{
		Kind: ipc.SignalPropertiesChanged,
		Path: dbus.ObjectPath(adapterPath + "/dev_AA_BB_CC_DD_EE_FF"),
		Changed: map[string]dbus.Variant{
			"RSSI": dbus.MakeVariant(int16(-42)),
			"Name": dbus.MakeVariant("Widget"),
		},
	}
	adv, ok := decodeAdvertisement(ev, adapterPath)
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", adv.MAC)
	assert.True(t, adv.HasRSSI)
	assert.Equal(t, int16(-42), adv.RSSI)
	assert.Equal(t, "Widget", adv.Name)
}

func TestDecodeAdvertisementIgnoresForeignPath(t *testing.T) {
	ev := ipc.Event{
		Kind: ipc.SignalPropertiesChanged,
		Path: dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"),
	}
	_, ok := decodeAdvertisement(ev, "/org/bluez/hci0")
	assert.False(t, ok)
}

func TestFilterToDBusMapDuplicatePolicy(t *testing.T) {
	f := Filter{Transport: TransportLE, DuplicateData: DuplicateDataForward}
	m := f.toDBusMap()
	assert.Equal(t, true, m["DuplicateData"])

	f2 := Filter{Transport: TransportLE, DuplicateData: DuplicateDataFilter}
	m2 := f2.toDBusMap()
	assert.Equal(t, false, m2["DuplicateData"])
}

func TestFilterToDBusMapAddress(t *testing.T) {
	f := Filter{Transport: TransportLE, Address: "aa:bb:cc:dd:ee:02"}
	m := f.toDBusMap()
	assert.Equal(t, "AA:BB:CC:DD:EE:02", m["Address"])

	// No restriction requested, no key emitted.
	_, ok := Filter{Transport: TransportLE}.toDBusMap()["Address"]
	assert.False(t, ok)
}

func TestPokeyTargetReachesDiscoveryFilter(t *testing.T) {
	// Pokey restricts discovery at the controller, not just in the sink:
	// the target lands in the filter dict handed to SetDiscoveryFilter.
	m := pokeyFilter(ScanOptions{Variant: VariantPokey, Target: "aa:bb:cc:dd:ee:02"}).toDBusMap()
	assert.Equal(t, "AA:BB:CC:DD:EE:02", m["Address"])
	assert.Equal(t, true, m["DuplicateData"])

	_, ok := pokeyFilter(ScanOptions{Variant: VariantPokey}).toDBusMap()["Address"]
	assert.False(t, ok)
}

func TestHciNameExtraction(t *testing.T) {
	a := &Adapter{path: dbus.ObjectPath("/org/bluez/hci0")}
	assert.Equal(t, "hci0", a.HciName())
}
