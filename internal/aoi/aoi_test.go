package aoi

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/refdata"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "bleep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(refdata.MustLoad(), st, filepath.Join(dir, "aoi"), zerolog.Nop()), st, dir
}

func TestAnalyzeFlagsWritableAuthCharacteristic(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	d := model.NewDevice("AA:BB:CC:DD:EE:10")
	svcIdx := d.UpsertService(model.Service{UUID: "0000ffe0-0000-1000-8000-00805f9b34fb", Name: "Vendor Auth Service"})
	d.UpsertCharacteristic(svcIdx, model.Characteristic{
		UUID:  "0000ffe1-0000-1000-8000-00805f9b34fb",
		Flags: model.PropertyFlags{WriteWithoutResp: true},
	})

	rep := a.Analyze(d)
	require.Len(t, rep.Characteristics, 1)
	assert.True(t, rep.Characteristics[0].SecurityConcern)
	assert.Equal(t, 85, rep.SecurityScore)

	// The same characteristic under an innocuous service is clean.
	clean := model.NewDevice("AA:BB:CC:DD:EE:11")
	cleanSvc := clean.UpsertService(model.Service{UUID: "0000ff00-0000-1000-8000-00805f9b34fb", Name: "LED Control"})
	clean.UpsertCharacteristic(cleanSvc, model.Characteristic{
		UUID:  "0000ff01-0000-1000-8000-00805f9b34fb",
		Flags: model.PropertyFlags{WriteWithoutResp: true},
	})
	cleanRep := a.Analyze(clean)
	require.Len(t, cleanRep.Characteristics, 1)
	assert.False(t, cleanRep.Characteristics[0].SecurityConcern)
}

func TestAnalyzeNotableServices(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	d := model.NewDevice("AA:BB:CC:DD:EE:12")
	d.UpsertService(model.Service{UUID: "00001800-0000-1000-8000-00805f9b34fb"})
	d.UpsertService(model.Service{UUID: "0000fe59-0000-1000-8000-00805f9b34fb", Name: "Secure DFU"})

	rep := a.Analyze(d)
	require.Len(t, rep.Services, 2)

	byUUID := make(map[string]ServiceFinding)
	for _, s := range rep.Services {
		byUUID[s.UUID] = s
	}
	gap := byUUID["00001800-0000-1000-8000-00805f9b34fb"]
	assert.True(t, gap.Notable)
	assert.Equal(t, "core GATT service", gap.NotableReason)

	dfu := byUUID["0000fe59-0000-1000-8000-00805f9b34fb"]
	assert.True(t, dfu.Notable)
	assert.Equal(t, "firmware update service", dfu.NotableReason)
}

func TestSecurityScoreDeductions(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	d := model.NewDevice("AA:BB:CC:DD:EE:13")
	d.MarkLandmine("0000aaaa-0000-1000-8000-00805f9b34fb")
	d.MarkLandmine("0000bbbb-0000-1000-8000-00805f9b34fb")

	rep := a.Analyze(d)
	assert.Equal(t, 90, rep.SecurityScore) // 100 - 2*5 landmines
	assert.Equal(t, 2, rep.Accessibility.BlockedCharacteristics)
}

func TestAccessibilityScoreCountsPermissionWalls(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	d := model.NewDevice("AA:BB:CC:DD:EE:14")
	svcIdx := d.UpsertService(model.Service{UUID: "0000ffe0-0000-1000-8000-00805f9b34fb"})
	chrIdx := d.UpsertCharacteristic(svcIdx, model.Characteristic{
		UUID:  "0000ffe1-0000-1000-8000-00805f9b34fb",
		Flags: model.PropertyFlags{Read: true, Write: true},
	})
	d.SetPermission(svcIdx, chrIdx, "read", "NotAuthorized")
	d.SetPermission(svcIdx, chrIdx, "write", "NotPermitted")

	rep := a.Analyze(d)
	require.Contains(t, rep.Permissions, "0000ffe1-0000-1000-8000-00805f9b34fb")
	assert.Equal(t, "NotAuthorized", rep.Permissions["0000ffe1-0000-1000-8000-00805f9b34fb"]["read"])
	assert.Equal(t, 1, rep.Accessibility.ProtectedCharacteristics)
	assert.Equal(t, 0.0, rep.Accessibility.Score)
}

func TestSnapshotRoundTripAndHexEncoding(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)
	d := model.NewDevice("AA:BB:CC:DD:EE:15")
	svcIdx := d.UpsertService(model.Service{UUID: "0000180f-0000-1000-8000-00805f9b34fb"})
	chrIdx := d.UpsertCharacteristic(svcIdx, model.Characteristic{
		UUID:  "00002a19-0000-1000-8000-00805f9b34fb",
		Flags: model.PropertyFlags{Read: true},
	})
	d.SetCharacteristicValue(svcIdx, chrIdx, []byte{0x64}, d.LastSeen)

	rep := a.Analyze(d)
	path, err := a.SaveSnapshot(rep)
	require.NoError(t, err)

	blob, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(blob, &decoded))
	assert.True(t, strings.Contains(string(blob), `"last_value_hex": "64"`))

	loaded, err := a.LoadLatest(d.MAC)
	require.NoError(t, err)
	assert.Equal(t, rep.MAC, loaded.MAC)
	require.Len(t, loaded.Characteristics, 1)
	assert.Equal(t, "64", loaded.Characteristics[0].LastValueHex)
}

func TestPersistFindings(t *testing.T) {
	a, st, _ := newTestAnalyzer(t)
	ctx := context.Background()

	d := model.NewDevice("AA:BB:CC:DD:EE:16")
	require.NoError(t, st.UpsertDevice(ctx, d))
	d.MarkLandmine("0000cccc-0000-1000-8000-00805f9b34fb")
	d.UpsertService(model.Service{UUID: "00001801-0000-1000-8000-00805f9b34fb"})

	rep := a.Analyze(d)
	a.PersistFindings(ctx, rep)

	findings, err := st.AoIFindings(ctx, d.MAC)
	require.NoError(t, err)

	kinds := make(map[string]int)
	for _, f := range findings {
		kinds[f.Kind]++
	}
	assert.Equal(t, 1, kinds["landmine"])
	assert.Equal(t, 1, kinds["notable_service"])
}
