package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/model"
)

// DeviceRow is the subset of a persisted device row consumers outside the
// store need (the classifier's cache check, report bundlers).
type DeviceRow struct {
	MAC            string
	AddrType       model.AddressType
	Name           string
	Classification model.Classification
	FirstSeen      time.Time
	LastSeen       time.Time
}

// DeviceRow returns the stored row for mac, or KindUnknownObject when the
// device has never been observed.
func (s *Store) DeviceRow(ctx context.Context, mac string) (DeviceRow, error) {
	var r DeviceRow
	var addrType, classification string
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
SELECT mac, addr_type, name, classification, first_seen, last_seen FROM devices WHERE mac = ?
`, model.NormalizeMAC(mac)).Scan(&r.MAC, &addrType, &r.Name, &classification, &first, &last)
	if err == sql.ErrNoRows {
		return DeviceRow{}, bleeperr.New(bleeperr.KindUnknownObject, "device_row: "+mac)
	}
	if err != nil {
		return DeviceRow{}, bleeperr.Wrap(bleeperr.KindWriteConflict, "device_row", err)
	}
	r.AddrType = model.AddressType(addrType)
	r.Classification = model.Classification(classification)
	r.FirstSeen = time.Unix(first, 0).UTC()
	r.LastSeen = time.Unix(last, 0).UTC()
	return r, nil
}

// SetDeviceClassification updates the cached classification hint, with the
// same only-on-stronger policy UpsertDevice applies: dual always wins, and
// a concrete type only replaces "unknown".
func (s *Store) SetDeviceClassification(ctx context.Context, mac string, class model.Classification) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE devices SET classification = CASE
	WHEN ? = 'dual' THEN 'dual'
	WHEN classification = 'dual' THEN 'dual'
	WHEN classification = 'unknown' THEN ?
	ELSE classification
END WHERE mac = ?
`, string(class), string(class), model.NormalizeMAC(mac))
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "set_device_classification", err)
	}
	return nil
}

// UpsertClassicRecord persists one SDP-discovered classic service record.
// Classic records aren't append-only like advertisements: re-discovery of
// the same (mac, uuid) pair during a later SDP pass replaces the row, since
// the SDP server can legitimately change its advertised attributes.
func (s *Store) UpsertClassicRecord(ctx context.Context, mac string, rec model.ClassicServiceRecord) error {
	descJSON, err := json.Marshal(rec.ProfileDescriptors)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_classic_record encode descriptors", err)
	}
	var channel any
	if rec.RFCOMMChannel != nil {
		channel = *rec.RFCOMMChannel
	}
	var handle any
	if rec.Handle != nil {
		handle = *rec.Handle
	}
	mac = model.NormalizeMAC(mac)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM classic_records WHERE mac = ? AND uuid = ?`, mac, rec.UUID); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_classic_record replace", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO classic_records (mac, uuid, rfcomm_channel, name, handle, profile_descriptors, service_version, description, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, mac, rec.UUID, channel, rec.Name, handle, string(descJSON), rec.ServiceVersion, rec.Description, rec.Timestamp.Unix())
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_classic_record", err)
	}
	return nil
}

// ClassicRecords returns every classic service record stored for mac.
func (s *Store) ClassicRecords(ctx context.Context, mac string) ([]model.ClassicServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT uuid, rfcomm_channel, name, handle, profile_descriptors, service_version, description, timestamp
FROM classic_records WHERE mac = ? ORDER BY timestamp
`, model.NormalizeMAC(mac))
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "classic_records query", err)
	}
	defer rows.Close()

	var out []model.ClassicServiceRecord
	for rows.Next() {
		var rec model.ClassicServiceRecord
		var channel, handle sql.NullInt64
		var descJSON string
		var ts int64
		if err := rows.Scan(&rec.UUID, &channel, &rec.Name, &handle, &descJSON, &rec.ServiceVersion, &rec.Description, &ts); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "classic_records scan", err)
		}
		if channel.Valid {
			v := uint8(channel.Int64)
			rec.RFCOMMChannel = &v
		}
		if handle.Valid {
			v := uint32(handle.Int64)
			rec.Handle = &v
		}
		_ = json.Unmarshal([]byte(descJSON), &rec.ProfileDescriptors)
		rec.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveBond upserts the long-term key material for mac. The caller is
// responsible for encrypting keyMaterial before it reaches here (see
// internal/pairing's bond store, which wraps this with chacha20poly1305).
func (s *Store) SaveBond(ctx context.Context, mac string, cipherText, nonce []byte, capabilityProfile string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bonds (mac, key_material, key_nonce, capability_profile, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(mac) DO UPDATE SET
	key_material = excluded.key_material,
	key_nonce = excluded.key_nonce,
	capability_profile = excluded.capability_profile,
	updated_at = excluded.updated_at
`, model.NormalizeMAC(mac), cipherText, nonce, capabilityProfile, now, now)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "save_bond", err)
	}
	return nil
}

// Bond is the raw (still encrypted) persisted bond record.
type Bond struct {
	CipherText        []byte
	Nonce             []byte
	CapabilityProfile string
	UpdatedAt         time.Time
}

// LoadBond returns the bond record for mac, or ok=false if none exists.
func (s *Store) LoadBond(ctx context.Context, mac string) (Bond, bool, error) {
	var b Bond
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
SELECT key_material, key_nonce, capability_profile, updated_at FROM bonds WHERE mac = ?
`, model.NormalizeMAC(mac)).Scan(&b.CipherText, &b.Nonce, &b.CapabilityProfile, &updatedAt)
	if err == sql.ErrNoRows {
		return Bond{}, false, nil
	}
	if err != nil {
		return Bond{}, false, bleeperr.Wrap(bleeperr.KindWriteConflict, "load_bond", err)
	}
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return b, true, nil
}

// PBAPTransfer is one completed PBAP phonebook-pull metadata row.
type PBAPTransfer struct {
	MAC         string
	Repository  string
	EntryCount  int
	ContentHash string
	DestPath    string
	Timestamp   time.Time
}

// InsertPBAPTransfer records a completed phonebook pull. Aborted or
// watchdog-killed transfers must not call this; an abort leaves no
// metadata row behind.
func (s *Store) InsertPBAPTransfer(ctx context.Context, t PBAPTransfer) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pbap_transfers (mac, repository, entry_count, content_hash, dest_path, timestamp)
VALUES (?, ?, ?, ?, ?, ?)
`, model.NormalizeMAC(t.MAC), t.Repository, t.EntryCount, t.ContentHash, t.DestPath, t.Timestamp.Unix())
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "insert_pbap_transfer", err)
	}
	return nil
}

// PBAPTransfers returns every recorded phonebook pull for mac.
func (s *Store) PBAPTransfers(ctx context.Context, mac string) ([]PBAPTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT mac, repository, entry_count, content_hash, dest_path, timestamp FROM pbap_transfers WHERE mac = ? ORDER BY timestamp
`, model.NormalizeMAC(mac))
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "pbap_transfers query", err)
	}
	defer rows.Close()

	var out []PBAPTransfer
	for rows.Next() {
		var t PBAPTransfer
		var ts int64
		if err := rows.Scan(&t.MAC, &t.Repository, &t.EntryCount, &t.ContentHash, &t.DestPath, &ts); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "pbap_transfers scan", err)
		}
		t.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// AoIFinding is one row of the aoi_findings table (component 11).
type AoIFinding struct {
	MAC       string
	Kind      string
	Severity  string
	Detail    string
	Timestamp time.Time
}

// InsertAoIFinding appends a cross-device security-heuristic finding.
func (s *Store) InsertAoIFinding(ctx context.Context, f AoIFinding) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO aoi_findings (mac, kind, severity, detail, timestamp) VALUES (?, ?, ?, ?, ?)
`, model.NormalizeMAC(f.MAC), f.Kind, f.Severity, f.Detail, f.Timestamp.Unix())
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "insert_aoi_finding", err)
	}
	return nil
}

// AoIFindings returns every finding recorded for mac.
func (s *Store) AoIFindings(ctx context.Context, mac string) ([]AoIFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT mac, kind, severity, detail, timestamp FROM aoi_findings WHERE mac = ? ORDER BY timestamp
`, model.NormalizeMAC(mac))
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "aoi_findings query", err)
	}
	defer rows.Close()

	var out []AoIFinding
	for rows.Next() {
		var f AoIFinding
		var ts int64
		if err := rows.Scan(&f.MAC, &f.Kind, &f.Severity, &f.Detail, &ts); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "aoi_findings scan", err)
		}
		f.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
