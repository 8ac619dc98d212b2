package classifier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/refdata"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

func newTestClassifier(t *testing.T) (*Classifier, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "bleep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(refdata.MustLoad(), st), st
}

func TestDualRequiresConclusivePair(t *testing.T) {
	c, _ := newTestClassifier(t)

	set := NewEvidenceSet()
	set.Add(EvClassicDeviceClass, model.WeightConclusive, "device_class_property", uint32(0x5a020c))
	set.Add(EvLEAddressRandom, model.WeightConclusive, "address_type_property", "random")

	res := c.Classify(set)
	require.Equal(t, model.ClassDual, res.Type)
	assert.Contains(t, res.Reasoning, EvClassicDeviceClass)
	assert.Contains(t, res.Reasoning, EvLEAddressRandom)
}

func TestStrongOnlyEvidenceNeverYieldsDual(t *testing.T) {
	c, _ := newTestClassifier(t)

	set := NewEvidenceSet()
	set.Add(EvClassicServiceUUIDs, model.WeightStrong, "uuids_property", []string{"110b"})
	set.Add(EvLEGATTServices, model.WeightStrong, "gatt_resolution", 3)
	set.Add(EvLEServiceUUIDs, model.WeightStrong, "uuids_property", []string{"1800"})

	res := c.Classify(set)
	assert.NotEqual(t, model.ClassDual, res.Type)
	assert.Equal(t, model.ClassLE, res.Type)
}

func TestPublicAddressAloneIsInconclusive(t *testing.T) {
	c, _ := newTestClassifier(t)

	set := NewEvidenceSet()
	set.Add(EvLEAddressPublic, model.WeightInconclusive, "address_type_property", "public")

	res := c.Classify(set)
	assert.Equal(t, model.ClassUnknown, res.Type)
}

func TestTwoStrongLEPiecesYieldLE(t *testing.T) {
	c, _ := newTestClassifier(t)

	set := NewEvidenceSet()
	set.Add(EvLEGATTServices, model.WeightStrong, "gatt_resolution", 2)
	set.Add(EvLEServiceUUIDs, model.WeightStrong, "uuids_property", []string{"180f"})

	res := c.Classify(set)
	assert.Equal(t, model.ClassLE, res.Type)
}

func TestSingleStrongLEPieceIsUnknown(t *testing.T) {
	c, _ := newTestClassifier(t)

	set := NewEvidenceSet()
	set.Add(EvLEServiceUUIDs, model.WeightStrong, "uuids_property", []string{"180f"})

	res := c.Classify(set)
	assert.Equal(t, model.ClassUnknown, res.Type)
}

func TestModeGatingDisablesSDPInPassive(t *testing.T) {
	c, _ := newTestClassifier(t)

	dc := DeviceContext{MAC: "aa:bb:cc:dd:ee:01", SDPRecordCount: 4}

	passive := c.CollectEvidence(dc, ModePassive)
	assert.False(t, passive.Has(EvClassicSDPRecords, model.WeightConclusive))

	pokey := c.CollectEvidence(dc, ModePokey)
	assert.True(t, pokey.Has(EvClassicSDPRecords, model.WeightConclusive))
}

func TestModeGatingDisablesGATTInPassive(t *testing.T) {
	c, _ := newTestClassifier(t)

	dc := DeviceContext{MAC: "aa:bb:cc:dd:ee:02", ServicesResolved: true, GATTServiceCount: 3}

	passive := c.CollectEvidence(dc, ModePassive)
	assert.False(t, passive.Has(EvLEGATTServices, model.WeightStrong))

	naggy := c.CollectEvidence(dc, ModeNaggy)
	assert.True(t, naggy.Has(EvLEGATTServices, model.WeightStrong))
}

func TestScenarioDualModeDevice(t *testing.T) {
	// Class=0x5a020c, AddressType=random, UUIDs contain both an audio
	// service class (110B) and a GATT service (1800), GATT resolved.
	c, _ := newTestClassifier(t)

	dc := DeviceContext{
		MAC:              "cc:dd:ee:00:11:22",
		HasDeviceClass:   true,
		DeviceClass:      0x5a020c,
		AddressType:      model.AddressRandom,
		UUIDs:            []string{"0000110B-0000-1000-8000-00805f9b34fb", "00001800-0000-1000-8000-00805f9b34fb"},
		ServicesResolved: true,
		GATTServiceCount: 3,
	}

	set := c.CollectEvidence(dc, ModePokey)
	res := c.Classify(set)
	require.Equal(t, model.ClassDual, res.Type)
	assert.Contains(t, res.Reasoning, EvClassicDeviceClass)
	assert.Contains(t, res.Reasoning, EvLEAddressRandom)
}

func TestClassifyWithModePersistsEvidence(t *testing.T) {
	c, st := newTestClassifier(t)
	ctx := context.Background()

	dc := DeviceContext{
		MAC:            "aa:bb:cc:dd:ee:03",
		HasDeviceClass: true,
		DeviceClass:    0x240404,
	}
	res, err := c.ClassifyWithMode(ctx, dc, ModePassive, false)
	require.NoError(t, err)
	assert.Equal(t, model.ClassClassic, res.Type)

	rows, err := st.DeviceEvidence(ctx, dc.MAC)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, EvClassicDeviceClass, rows[0].Type)
}

func TestCacheIsHintOnly(t *testing.T) {
	c, st := newTestClassifier(t)
	ctx := context.Background()

	mac := "aa:bb:cc:dd:ee:04"
	d := model.NewDevice(mac)
	d.HasDeviceClass = true
	d.DeviceClass = 0x240404
	d.Classification = model.ClassClassic
	require.NoError(t, st.UpsertDevice(ctx, d))

	dc := DeviceContext{MAC: mac, HasDeviceClass: true, DeviceClass: 0x240404}

	// First pass stores the evidence signature.
	first, err := c.ClassifyWithMode(ctx, dc, ModePassive, true)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Second pass with identical evidence hits the cache.
	second, err := c.ClassifyWithMode(ctx, dc, ModePassive, true)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, model.ClassClassic, second.Type)

	// A materially changed evidence set must miss the cache even though a
	// row is stored.
	changed := DeviceContext{
		MAC:              mac,
		AddressType:      model.AddressRandom,
		ServicesResolved: true,
		GATTServiceCount: 2,
		HasAdvertising:   true,
	}
	third, err := c.ClassifyWithMode(ctx, changed, ModeNaggy, true)
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"x": true, "y": true}
	b := map[string]bool{"y": true, "z": true}
	assert.InDelta(t, 1.0/3.0, jaccard(a, b), 0.001)
	assert.Equal(t, 0.0, jaccard(nil, nil))
}

func TestSnapshotDevice(t *testing.T) {
	d := model.NewDevice("AA:BB:CC:DD:EE:05")
	d.AddrType = model.AddressRandom
	d.ServicesResolved = true
	d.UpsertService(model.Service{UUID: "180f"})
	d.Advertisements = append(d.Advertisements, model.AdvReport{Timestamp: time.Now(), RSSI: -40})

	dc := SnapshotDevice(d, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:05", dc.MAC)
	assert.Equal(t, 2, dc.SDPRecordCount)
	assert.Equal(t, 1, dc.GATTServiceCount)
	assert.True(t, dc.HasAdvertising)
	assert.Equal(t, []string{"180f"}, dc.UUIDs)
}
