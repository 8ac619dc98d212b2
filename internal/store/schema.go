package store

// schemaVersion is the current observation-store schema version.
// Migrations run linear and forward-only; each statement is idempotent
// under retry via IF NOT EXISTS.
const schemaVersion = 7

// migrations holds one SQL batch per schema version, applied in order
// starting from whatever version the open database reports.
var migrations = []string{
	// v1: devices + advertisement reports.
	`
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	mac             TEXT PRIMARY KEY,
	addr_type       TEXT NOT NULL DEFAULT 'unknown',
	name            TEXT NOT NULL DEFAULT '',
	appearance      INTEGER NOT NULL DEFAULT 0,
	device_class    INTEGER,
	manufacturer_id INTEGER,
	manufacturer_data BLOB,
	rssi_last       INTEGER,
	rssi_min        INTEGER,
	rssi_max        INTEGER,
	first_seen      INTEGER NOT NULL,
	last_seen       INTEGER NOT NULL,
	classification  TEXT NOT NULL DEFAULT 'unknown',
	notes           TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS adv_reports (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	mac       TEXT NOT NULL REFERENCES devices(mac),
	timestamp INTEGER NOT NULL,
	rssi      INTEGER,
	raw       BLOB,
	decoded   TEXT
);
CREATE INDEX IF NOT EXISTS idx_adv_reports_mac ON adv_reports(mac);
CREATE INDEX IF NOT EXISTS idx_adv_reports_ts ON adv_reports(timestamp);
`,
	// v2: GATT services/characteristics/descriptors.
	`
CREATE TABLE IF NOT EXISTS services (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	mac          TEXT NOT NULL REFERENCES devices(mac),
	uuid         TEXT NOT NULL,
	handle_start INTEGER,
	handle_end   INTEGER,
	name         TEXT NOT NULL DEFAULT '',
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL,
	UNIQUE(mac, uuid)
);
CREATE INDEX IF NOT EXISTS idx_services_mac_uuid ON services(mac, uuid);
CREATE TABLE IF NOT EXISTS characteristics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id  INTEGER NOT NULL REFERENCES services(id),
	uuid        TEXT NOT NULL,
	handle      INTEGER,
	flags       TEXT NOT NULL DEFAULT '{}',
	last_value  BLOB,
	last_read   INTEGER,
	permission_map TEXT NOT NULL DEFAULT '{}',
	UNIQUE(service_id, uuid)
);
CREATE TABLE IF NOT EXISTS descriptors (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	characteristic_id INTEGER NOT NULL REFERENCES characteristics(id),
	uuid            TEXT NOT NULL,
	last_value      BLOB,
	UNIQUE(characteristic_id, uuid)
);
`,
	// v3: characteristic history (append-only, audit-only).
	`
CREATE TABLE IF NOT EXISTS char_history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	mac       TEXT NOT NULL REFERENCES devices(mac),
	svc_uuid  TEXT NOT NULL,
	chr_uuid  TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	value     BLOB,
	source    TEXT NOT NULL DEFAULT 'unknown'
);
CREATE INDEX IF NOT EXISTS idx_char_history_mac_ts ON char_history(mac, timestamp);
`,
	// v4: classic/SDP service records + device-type evidence.
	`
CREATE TABLE IF NOT EXISTS classic_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	mac         TEXT NOT NULL REFERENCES devices(mac),
	uuid        TEXT NOT NULL,
	rfcomm_channel INTEGER,
	name        TEXT NOT NULL DEFAULT '',
	handle      INTEGER,
	profile_descriptors TEXT NOT NULL DEFAULT '[]',
	service_version TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_classic_records_mac ON classic_records(mac);
CREATE TABLE IF NOT EXISTS evidence (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	mac       TEXT NOT NULL REFERENCES devices(mac),
	type      TEXT NOT NULL,
	weight    TEXT NOT NULL,
	source    TEXT NOT NULL,
	value     TEXT,
	metadata  TEXT NOT NULL DEFAULT '{}',
	timestamp INTEGER NOT NULL,
	UNIQUE(mac, type, source)
);
CREATE INDEX IF NOT EXISTS idx_evidence_mac_type_source ON evidence(mac, type, source);
`,
	// v5: pairing bond records.
	`
CREATE TABLE IF NOT EXISTS bonds (
	mac             TEXT PRIMARY KEY REFERENCES devices(mac),
	key_material    BLOB NOT NULL,
	key_nonce       BLOB NOT NULL,
	capability_profile TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
`,
	// v6: AoI analyzer findings, for the cross-device security heuristics
	// (11) that read from stored GATT/SDP/evidence history.
	`
CREATE TABLE IF NOT EXISTS aoi_findings (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	mac       TEXT NOT NULL REFERENCES devices(mac),
	kind      TEXT NOT NULL,
	severity  TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aoi_findings_mac ON aoi_findings(mac);
`,
	// v7: PBAP phonebook-pull metadata ("writes a metadata
	// row: repository, entry count, content hash").
	`
CREATE TABLE IF NOT EXISTS pbap_transfers (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	mac         TEXT NOT NULL REFERENCES devices(mac),
	repository  TEXT NOT NULL DEFAULT '',
	entry_count INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	dest_path   TEXT NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pbap_transfers_mac ON pbap_transfers(mac);
`,
}
