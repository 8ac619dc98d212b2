package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bleep.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertDeviceIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("AA:BB:CC:DD:EE:FF")
	d.HasRSSI = true
	d.RSSILast, d.RSSIMin, d.RSSIMax = -50, -50, -50

	require.NoError(t, s.UpsertDevice(ctx, d))
	require.NoError(t, s.UpsertDevice(ctx, d))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpsertDeviceLastSeenAdvances(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("11:22:33:44:55:66")
	d.FirstSeen = time.Unix(1000, 0)
	d.LastSeen = time.Unix(1000, 0)
	require.NoError(t, s.UpsertDevice(ctx, d))

	d.LastSeen = time.Unix(2000, 0)
	require.NoError(t, s.UpsertDevice(ctx, d))

	var lastSeen int64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT last_seen FROM devices WHERE mac = ?`, d.MAC).Scan(&lastSeen))
	require.Equal(t, int64(2000), lastSeen)

	// An older observation must never roll last_seen backwards.
	d.LastSeen = time.Unix(500, 0)
	require.NoError(t, s.UpsertDevice(ctx, d))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT last_seen FROM devices WHERE mac = ?`, d.MAC).Scan(&lastSeen))
	require.Equal(t, int64(2000), lastSeen)
}

func TestInsertAdvAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("22:22:22:22:22:22")
	require.NoError(t, s.UpsertDevice(ctx, d))

	require.NoError(t, s.InsertAdv(ctx, d.MAC, time.Now(), -40, []byte{1, 2, 3}, map[string]any{"flags": 6}))
	require.NoError(t, s.InsertAdv(ctx, d.MAC, time.Now(), -41, []byte{1, 2, 3}, map[string]any{"flags": 6}))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adv_reports WHERE mac = ?`, d.MAC).Scan(&count))
	require.Equal(t, 2, count)
}

func TestUpsertServicesAndCharacteristics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("33:33:33:33:33:33")
	require.NoError(t, s.UpsertDevice(ctx, d))

	require.NoError(t, s.UpsertServices(ctx, d.MAC, []ServiceInput{
		{UUID: "1800", Name: "Generic Access"},
	}))
	require.NoError(t, s.UpsertCharacteristics(ctx, d.MAC, "1800", []CharacteristicInput{
		{UUID: "2A00", Flags: map[string]bool{"read": true}},
	}))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM characteristics`).Scan(&count))
	require.Equal(t, 1, count)

	// Re-running with the same UUIDs must not create duplicate rows.
	require.NoError(t, s.UpsertServices(ctx, d.MAC, []ServiceInput{{UUID: "1800"}}))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM services`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestEvidenceSignatureStableAndOrderIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("44:44:44:44:44:44")
	require.NoError(t, s.UpsertDevice(ctx, d))

	e1 := model.Evidence{Type: "gatt_service", Weight: model.WeightConclusive, Source: "1800", Timestamp: time.Now()}
	e2 := model.Evidence{Type: "sdp_record", Weight: model.WeightStrong, Source: "1101", Timestamp: time.Now()}

	require.NoError(t, s.StoreDeviceTypeEvidence(ctx, d.MAC, e1))
	require.NoError(t, s.StoreDeviceTypeEvidence(ctx, d.MAC, e2))
	sig1, err := s.GetDeviceEvidenceSignature(ctx, d.MAC)
	require.NoError(t, err)

	// Re-storing the same evidence in the opposite order must hash identically.
	require.NoError(t, s.StoreDeviceTypeEvidence(ctx, d.MAC, e2))
	require.NoError(t, s.StoreDeviceTypeEvidence(ctx, d.MAC, e1))
	sig2, err := s.GetDeviceEvidenceSignature(ctx, d.MAC)
	require.NoError(t, err)

	require.Equal(t, sig1, sig2)
}

func TestCharHistoryAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("55:55:55:55:55:55")
	require.NoError(t, s.UpsertDevice(ctx, d))

	require.NoError(t, s.InsertCharHistory(ctx, d.MAC, "1800", "2a00", time.Now(), []byte("a"), model.SourceRead))
	require.NoError(t, s.InsertCharHistory(ctx, d.MAC, "1800", "2a00", time.Now(), []byte("b"), model.SourceNotification))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM char_history`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestDeviceRowMissIsTyped(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DeviceRow(context.Background(), "66:66:66:66:66:66")
	require.Error(t, err)
	require.Equal(t, bleeperr.KindUnknownObject, bleeperr.KindOf(err))
}

func TestSetDeviceClassificationOnlyUpgrades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("77:77:77:77:77:77")
	require.NoError(t, s.UpsertDevice(ctx, d))

	require.NoError(t, s.SetDeviceClassification(ctx, d.MAC, model.ClassLE))
	row, err := s.DeviceRow(ctx, d.MAC)
	require.NoError(t, err)
	require.Equal(t, model.ClassLE, row.Classification)

	// A different single-protocol verdict never replaces an existing one.
	require.NoError(t, s.SetDeviceClassification(ctx, d.MAC, model.ClassClassic))
	row, err = s.DeviceRow(ctx, d.MAC)
	require.NoError(t, err)
	require.Equal(t, model.ClassLE, row.Classification)

	// Dual always wins.
	require.NoError(t, s.SetDeviceClassification(ctx, d.MAC, model.ClassDual))
	row, err = s.DeviceRow(ctx, d.MAC)
	require.NoError(t, err)
	require.Equal(t, model.ClassDual, row.Classification)

	// And once dual, nothing downgrades it.
	require.NoError(t, s.SetDeviceClassification(ctx, d.MAC, model.ClassLE))
	row, err = s.DeviceRow(ctx, d.MAC)
	require.NoError(t, err)
	require.Equal(t, model.ClassDual, row.Classification)
}

func TestBondRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := model.NewDevice("88:88:88:88:88:88")
	require.NoError(t, s.UpsertDevice(ctx, d))

	require.NoError(t, s.SaveBond(ctx, d.MAC, []byte{0xde, 0xad}, []byte{0x01}, "KeyboardDisplay"))
	b, ok, err := s.LoadBond(ctx, d.MAC)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xde, 0xad}, b.CipherText)
	require.Equal(t, "KeyboardDisplay", b.CapabilityProfile)

	_, ok, err = s.LoadBond(ctx, "99:99:99:99:99:99")
	require.NoError(t, err)
	require.False(t, ok)
}
