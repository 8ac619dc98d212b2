package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertServiceCreatesThenUpdatesInPlace(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	idx := d.UpsertService(Service{UUID: "0000180F-0000-1000-8000-00805f9b34fb"})
	require.Equal(t, 0, idx)
	require.Len(t, d.Services, 1)

	idx2 := d.UpsertService(Service{UUID: "0000180f-0000-1000-8000-00805f9b34fb", Name: "Battery"})
	assert.Equal(t, idx, idx2)
	assert.Len(t, d.Services, 1)
	assert.Equal(t, "Battery", d.Services[0].Name)
}

func TestUpsertCharacteristicUniquePerServiceUUID(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	svcIdx := d.UpsertService(Service{UUID: "180F"})

	c1 := d.UpsertCharacteristic(svcIdx, Characteristic{UUID: "2A19", Flags: PropertyFlags{Read: true}})
	c2 := d.UpsertCharacteristic(svcIdx, Characteristic{UUID: "2a19", Flags: PropertyFlags{Read: true, Write: true}})
	require.Equal(t, c1, c2)
	assert.True(t, d.Services[svcIdx].Characteristics[c1].Flags.Write)
}

func TestMarkLandmineIsCaseInsensitive(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	d.MarkLandmine("0000FFE1-0000-1000-8000-00805f9b34fb")
	assert.True(t, d.IsLandmine("0000FFE1-0000-1000-8000-00805F9B34FB"))
	assert.False(t, d.IsLandmine("0000FFE2-0000-1000-8000-00805f9b34fb"))
}

func TestObserveMonotoneTimestamps(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:01")
	base := time.Now()
	d.FirstSeen = base
	d.LastSeen = base

	d.Observe(base.Add(-time.Hour), -40, true) // earlier event must not move first_seen backwards
	assert.Equal(t, base, d.FirstSeen)

	d.Observe(base.Add(time.Minute), -41, true)
	assert.True(t, d.LastSeen.After(base))
}

func TestObserveRSSIExtrema(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:01")
	now := time.Now()
	d.Observe(now, -40, true)
	d.Observe(now.Add(time.Second), -42, true)
	d.Observe(now.Add(2*time.Second), -41, true)

	assert.Equal(t, int16(-41), d.RSSILast)
	assert.Equal(t, int16(-42), d.RSSIMin)
	assert.Equal(t, int16(-40), d.RSSIMax)
}

func TestSetPermissionAndValue(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	svcIdx := d.UpsertService(Service{UUID: "180F"})
	charIdx := d.UpsertCharacteristic(svcIdx, Characteristic{UUID: "2A19"})

	d.SetPermission(svcIdx, charIdx, "read", "NotAuthorized")
	d.SetPermission(svcIdx, charIdx, "write", "NotPermitted")
	assert.Equal(t, "NotAuthorized", d.Services[svcIdx].Characteristics[charIdx].PermissionMap["read"])
	assert.Equal(t, "NotPermitted", d.Services[svcIdx].Characteristics[charIdx].PermissionMap["write"])

	d.SetCharacteristicValue(svcIdx, charIdx, []byte{0x01}, time.Now())
	assert.Equal(t, []byte{0x01}, d.Services[svcIdx].Characteristics[charIdx].LastValue)
}

func TestAddDescriptorDeduplicatesByUUID(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	svcIdx := d.UpsertService(Service{UUID: "180F"})
	charIdx := d.UpsertCharacteristic(svcIdx, Characteristic{UUID: "2A19"})

	d.AddDescriptor(svcIdx, charIdx, Descriptor{UUID: "2902"})
	d.AddDescriptor(svcIdx, charIdx, Descriptor{UUID: "2902"})
	assert.Len(t, d.Services[svcIdx].Characteristics[charIdx].Descriptors, 1)
}
