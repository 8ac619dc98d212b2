// Package store is BLEEP's observation store: a single embedded relational
// database holding every persisted row the rest of the system produces
// (devices, advertisements, GATT structure, characteristic history, classic
// service records, evidence, bonds, AoI findings). Schema-versioned,
// migrated forward-only at Open time. One struct per aggregate,
// context-scoped *sql.DB methods, sql.ErrNoRows translated to a typed
// miss; modernc.org/sqlite keeps the store a single embedded file with no
// external database process.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/model"
)

// Store wraps the embedded database handle and exposes BLEEP's typed
// upsert/query API. All methods are safe for concurrent use: sqlite
// serializes writers internally and every write here runs in its own
// transaction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and runs any
// pending migrations. Per each migration is idempotent under
// retry, so Open is safe to call from multiple process starts against the
// same file as long as they don't race concurrently.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindSchemaMismatch, "open store", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline.

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var current int
	row := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1`)
	err := row.Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		// schema_meta doesn't exist yet; treat as version 0 and let the
		// first migration batch create it.
		current = 0
	}

	for v := current; v < len(migrations); v++ {
		batch := migrations[v]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return bleeperr.Wrap(bleeperr.KindMigrationFailed, fmt.Sprintf("begin migration v%d", v+1), err)
		}
		for _, stmt := range splitStatements(batch) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return bleeperr.Wrap(bleeperr.KindMigrationFailed, fmt.Sprintf("apply migration v%d", v+1), err)
			}
		}
		if err := tx.Commit(); err != nil {
			return bleeperr.Wrap(bleeperr.KindMigrationFailed, fmt.Sprintf("commit migration v%d", v+1), err)
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_meta`); err != nil {
		return bleeperr.Wrap(bleeperr.KindMigrationFailed, "reset schema_meta", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion); err != nil {
		return bleeperr.Wrap(bleeperr.KindMigrationFailed, "record schema version", err)
	}
	return nil
}

func splitStatements(batch string) []string {
	parts := strings.Split(batch, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UpsertDevice persists the device row: first-seen set iff
// new row; last-seen advanced unconditionally; classification updated only
// on stronger evidence (an explicit non-unknown value always wins over the
// stored "unknown", and "dual" wins over a single-protocol classification).
func (s *Store) UpsertDevice(ctx context.Context, d *model.Device) error {
	d.RLock()
	mac := d.MAC
	addrType := string(d.AddrType)
	name := d.Name
	appearance := d.Appearance
	var deviceClass any
	if d.HasDeviceClass {
		deviceClass = d.DeviceClass
	}
	var mfgID any
	if d.ManufacturerID != 0 {
		mfgID = d.ManufacturerID
	}
	mfgData := d.ManufacturerData
	var rssiLast, rssiMin, rssiMax any
	if d.HasRSSI {
		rssiLast, rssiMin, rssiMax = d.RSSILast, d.RSSIMin, d.RSSIMax
	}
	firstSeen := d.FirstSeen.Unix()
	lastSeen := d.LastSeen.Unix()
	classification := string(d.Classification)
	notes := d.Notes
	d.RUnlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (mac, addr_type, name, appearance, device_class, manufacturer_id, manufacturer_data, rssi_last, rssi_min, rssi_max, first_seen, last_seen, classification, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mac) DO UPDATE SET
	addr_type = excluded.addr_type,
	name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
	appearance = excluded.appearance,
	device_class = COALESCE(excluded.device_class, devices.device_class),
	manufacturer_id = COALESCE(excluded.manufacturer_id, devices.manufacturer_id),
	manufacturer_data = COALESCE(excluded.manufacturer_data, devices.manufacturer_data),
	rssi_last = COALESCE(excluded.rssi_last, devices.rssi_last),
	rssi_min = CASE WHEN excluded.rssi_min IS NOT NULL AND (devices.rssi_min IS NULL OR excluded.rssi_min < devices.rssi_min) THEN excluded.rssi_min ELSE devices.rssi_min END,
	rssi_max = CASE WHEN excluded.rssi_max IS NOT NULL AND (devices.rssi_max IS NULL OR excluded.rssi_max > devices.rssi_max) THEN excluded.rssi_max ELSE devices.rssi_max END,
	last_seen = MAX(devices.last_seen, excluded.last_seen),
	classification = CASE
		WHEN excluded.classification = 'dual' THEN 'dual'
		WHEN devices.classification = 'dual' THEN 'dual'
		WHEN devices.classification = 'unknown' THEN excluded.classification
		ELSE devices.classification
	END,
	notes = CASE WHEN excluded.notes != '' THEN excluded.notes ELSE devices.notes END
`, mac, addrType, name, appearance, deviceClass, mfgID, mfgData, rssiLast, rssiMin, rssiMax, firstSeen, lastSeen, classification, notes)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_device", err)
	}
	return nil
}

// InsertAdv appends one advertisement report row: append-only, commits
// immediately.
func (s *Store) InsertAdv(ctx context.Context, mac string, ts time.Time, rssi int16, raw []byte, decoded map[string]any) error {
	decodedJSON, err := json.Marshal(decoded)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "insert_adv encode decoded", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO adv_reports (mac, timestamp, rssi, raw, decoded) VALUES (?, ?, ?, ?, ?)
`, model.NormalizeMAC(mac), ts.Unix(), rssi, raw, string(decodedJSON))
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "insert_adv", err)
	}
	return nil
}

// ServiceInput is one of the "subtly different layouts" an enumerator may
// hand to UpsertServices; reconciliation against the stored rows is
// case-insensitive on the UUID key.
type ServiceInput struct {
	UUID        string
	HandleStart *int
	HandleEnd   *int
	Name        string
}

// UpsertServices reconciles a batch of discovered services for mac,
// case-insensitively matching UUIDs, and commits once for the whole batch.
func (s *Store) UpsertServices(ctx context.Context, mac string, list []ServiceInput) error {
	mac = model.NormalizeMAC(mac)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_services begin", err)
	}
	now := time.Now().Unix()
	for _, svc := range list {
		uuid := strings.ToLower(strings.TrimSpace(svc.UUID))
		_, err := tx.ExecContext(ctx, `
INSERT INTO services (mac, uuid, handle_start, handle_end, name, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mac, uuid) DO UPDATE SET
	handle_start = COALESCE(excluded.handle_start, services.handle_start),
	handle_end = COALESCE(excluded.handle_end, services.handle_end),
	name = CASE WHEN excluded.name != '' THEN excluded.name ELSE services.name END,
	last_seen = excluded.last_seen
`, mac, uuid, svc.HandleStart, svc.HandleEnd, svc.Name, now, now)
		if err != nil {
			_ = tx.Rollback()
			return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_services", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_services commit", err)
	}
	return nil
}

// CharacteristicInput mirrors ServiceInput for the characteristic layer.
type CharacteristicInput struct {
	UUID          string
	Handle        *int
	Flags         map[string]bool
	PermissionMap map[string]string
}

// UpsertCharacteristics reconciles a batch of characteristics for the
// service identified by (mac, serviceUUID). Handles are stored as the
// integers the caller supplies; no hex handle strings are converted here.
func (s *Store) UpsertCharacteristics(ctx context.Context, mac, serviceUUID string, list []CharacteristicInput) error {
	mac = model.NormalizeMAC(mac)
	serviceUUID = strings.ToLower(strings.TrimSpace(serviceUUID))

	var serviceID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM services WHERE mac = ? AND uuid = ?`, mac, serviceUUID).Scan(&serviceID)
	if err == sql.ErrNoRows {
		return bleeperr.New(bleeperr.KindUnknownObject, fmt.Sprintf("upsert_characteristics: unknown service %s for %s", serviceUUID, mac))
	}
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_characteristics lookup service", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_characteristics begin", err)
	}
	for _, c := range list {
		uuid := strings.ToLower(strings.TrimSpace(c.UUID))
		flagsJSON, _ := json.Marshal(c.Flags)
		permJSON, _ := json.Marshal(c.PermissionMap)
		_, err := tx.ExecContext(ctx, `
INSERT INTO characteristics (service_id, uuid, handle, flags, permission_map)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(service_id, uuid) DO UPDATE SET
	handle = COALESCE(excluded.handle, characteristics.handle),
	flags = excluded.flags,
	permission_map = excluded.permission_map
`, serviceID, uuid, c.Handle, string(flagsJSON), string(permJSON))
		if err != nil {
			_ = tx.Rollback()
			return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_characteristics", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "upsert_characteristics commit", err)
	}
	return nil
}

// InsertCharHistory appends one history row:
// committed synchronously (no batching) since this is the audit trail.
func (s *Store) InsertCharHistory(ctx context.Context, mac, svcUUID, chrUUID string, ts time.Time, value []byte, source model.CharSource) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO char_history (mac, svc_uuid, chr_uuid, timestamp, value, source) VALUES (?, ?, ?, ?, ?, ?)
`, model.NormalizeMAC(mac), strings.ToLower(svcUUID), strings.ToLower(chrUUID), ts.Unix(), value, string(source))
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "insert_char_history", err)
	}
	return nil
}

// StoreDeviceTypeEvidence persists one evidence piece:
// upsert by the unique (mac, type, source) key.
func (s *Store) StoreDeviceTypeEvidence(ctx context.Context, mac string, e model.Evidence) error {
	valueJSON, err := json.Marshal(e.Value)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "store_device_type_evidence encode value", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "store_device_type_evidence encode metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO evidence (mac, type, weight, source, value, metadata, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mac, type, source) DO UPDATE SET
	weight = excluded.weight,
	value = excluded.value,
	metadata = excluded.metadata,
	timestamp = excluded.timestamp
`, model.NormalizeMAC(mac), e.Type, string(e.Weight), e.Source, string(valueJSON), string(metaJSON), e.Timestamp.Unix())
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "store_device_type_evidence", err)
	}
	return nil
}

// EvidenceRow is one row of the persisted evidence set, as returned by
// DeviceEvidence.
type EvidenceRow struct {
	Type      string
	Weight    model.EvidenceWeight
	Source    string
	Timestamp time.Time
}

// DeviceEvidence returns every evidence row currently stored for mac,
// ordered for deterministic signature hashing.
func (s *Store) DeviceEvidence(ctx context.Context, mac string) ([]EvidenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT type, weight, source, timestamp FROM evidence WHERE mac = ? ORDER BY type, source
`, model.NormalizeMAC(mac))
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "device_evidence query", err)
	}
	defer rows.Close()

	var out []EvidenceRow
	for rows.Next() {
		var r EvidenceRow
		var weight string
		var ts int64
		if err := rows.Scan(&r.Type, &weight, &r.Source, &ts); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "device_evidence scan", err)
		}
		r.Weight = model.EvidenceWeight(weight)
		r.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDeviceEvidenceSignature returns a stable hash of the current
// evidence set, used for cache keying by the classifier's signature
// cache.
func (s *Store) GetDeviceEvidenceSignature(ctx context.Context, mac string) (string, error) {
	rows, err := s.DeviceEvidence(ctx, mac)
	if err != nil {
		return "", err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Type != rows[j].Type {
			return rows[i].Type < rows[j].Type
		}
		return rows[i].Source < rows[j].Source
	})
	h := sha256.New()
	for _, r := range rows {
		fmt.Fprintf(h, "%s|%s|%s\n", r.Type, r.Weight, r.Source)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
