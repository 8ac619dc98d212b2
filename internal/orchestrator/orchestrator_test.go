package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/adapter"
	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/gatt"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "bleep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logs, err := bleeplog.NewSet(filepath.Join(dir, "logs"), bleeplog.ParseLevel("info"))
	require.NoError(t, err)
	t.Cleanup(logs.Close)

	o := New(Deps{
		Store:      st,
		Logs:       logs,
		ReportsDir: filepath.Join(dir, "reports"),
	})
	return o, st
}

func TestDeviceIsShared(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	a := o.Device("AA:BB:CC:DD:EE:30")
	b := o.Device("aa:bb:cc:dd:ee:30")
	assert.Same(t, a, b)
}

func TestIngestAdvertisementDeduplicatedExtrema(t *testing.T) {
	// Three advertisements for the same device with RSSIs -40, -42, -41:
	// last=-41, min=-42, max=-40.
	o, st := newTestOrchestrator(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	base := time.Now()
	for i, rssi := range []int16{-40, -42, -41} {
		o.ingestAdvertisement(ctx, adapter.Advertisement{
			MAC:       mac,
			RSSI:      rssi,
			HasRSSI:   true,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	d := o.Device(mac)
	d.RLock()
	assert.Equal(t, int16(-41), d.RSSILast)
	assert.Equal(t, int16(-42), d.RSSIMin)
	assert.Equal(t, int16(-40), d.RSSIMax)
	assert.Equal(t, 3, len(d.Advertisements))
	d.RUnlock()

	row, err := st.DeviceRow(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, mac, row.MAC)
}

func TestVariantMappings(t *testing.T) {
	assert.Equal(t, adapter.VariantPokey, Pokey.scanVariant())
	assert.Equal(t, gatt.EnumBrute, Brute.enumVariant())
	assert.Equal(t, "naggy", string(Naggy.scanMode()))
}

func TestPersistTreeWritesEveryResolvedCharacteristic(t *testing.T) {
	o, st := newTestOrchestrator(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:31"

	d := o.Device(mac)
	require.NoError(t, st.UpsertDevice(ctx, d))
	svcIdx := d.UpsertService(model.Service{UUID: "0000180f-0000-1000-8000-00805f9b34fb"})
	d.UpsertCharacteristic(svcIdx, model.Characteristic{
		UUID:   "00002a19-0000-1000-8000-00805f9b34fb",
		Handle: 0x10,
		Flags:  model.PropertyFlags{Read: true},
	})

	o.persistTree(ctx, mac, d)

	// The service row must exist now: upserting a characteristic against it
	// succeeds only when it does.
	err := st.UpsertCharacteristics(ctx, mac, "0000180f-0000-1000-8000-00805f9b34fb", []store.CharacteristicInput{
		{UUID: "00002a19-0000-1000-8000-00805f9b34fb"},
	})
	require.NoError(t, err)

	// Re-running must be idempotent (upsert, not append).
	o.persistTree(ctx, mac, d)
}

func TestSnapshotMaps(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	d := o.Device("aa:bb:cc:dd:ee:32")
	d.MarkLandmine("0000dead-0000-1000-8000-00805f9b34fb")
	svcIdx := d.UpsertService(model.Service{UUID: "0000ffe0-0000-1000-8000-00805f9b34fb"})
	chrIdx := d.UpsertCharacteristic(svcIdx, model.Characteristic{
		UUID:  "0000FFE1-0000-1000-8000-00805F9B34FB",
		Flags: model.PropertyFlags{Write: true},
	})
	d.SetPermission(svcIdx, chrIdx, "read", "NotAuthorized")
	d.SetPermission(svcIdx, chrIdx, "write", "NotPermitted")

	landmines, perms := snapshotMaps(d)
	assert.True(t, landmines["0000dead-0000-1000-8000-00805f9b34fb"])

	p := perms["0000ffe1-0000-1000-8000-00805f9b34fb"]
	require.NotNil(t, p)
	assert.Equal(t, "NotAuthorized", p["read"])
	assert.Equal(t, "NotPermitted", p["write"])
}

func TestWriteReport(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	d := o.Device("aa:bb:cc:dd:ee:33")
	res := &EnumResult{
		Device:    d,
		Mapping:   &gatt.Mapping{Services: map[string][]string{"180f": {"2a19"}}},
		Landmines: map[string]bool{},
	}

	path, err := o.WriteReport(res, Pokey)
	require.NoError(t, err)
	assert.Contains(t, path, time.Now().UTC().Format("2006-01-02"))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal(blob, &bundle))
	assert.Equal(t, "aa:bb:cc:dd:ee:33", bundle["mac"])
	assert.Equal(t, "pokey", bundle["variant"])
}
