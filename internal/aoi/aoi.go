// Package aoi derives Asset-of-Interest reports: cross-layer security
// heuristics over a device's enumerated GATT tree, classic service records,
// landmine map and permission map, persisted both as findings rows and as
// per-device JSON snapshots.
package aoi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/refdata"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

// criticalKeywords flag a characteristic or service whose assigned name
// suggests it guards something worth probing.
var criticalKeywords = []string{"auth", "password", "key", "firmware", "dfu", "ota", "security"}

// ServiceFinding is the per-service slice of a Report.
type ServiceFinding struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name,omitempty"`
	Notable       bool   `json:"notable"`
	NotableReason string `json:"notable_reason,omitempty"`
}

// CharFinding is the per-characteristic slice of a Report.
type CharFinding struct {
	ServiceUUID     string   `json:"service_uuid"`
	UUID            string   `json:"uuid"`
	Name            string   `json:"name,omitempty"`
	Properties      []string `json:"properties"`
	SecurityConcern bool     `json:"security_concern"`
	ConcernReason   string   `json:"concern_reason,omitempty"`
	Unusual         bool     `json:"unusual"`
	UnusualReason   string   `json:"unusual_reason,omitempty"`
	LastValueHex    string   `json:"last_value_hex,omitempty"`
}

// Accessibility summarises how much of the device's surface is reachable.
type Accessibility struct {
	TotalCharacteristics     int     `json:"total_characteristics"`
	BlockedCharacteristics   int     `json:"blocked_characteristics"`
	ProtectedCharacteristics int     `json:"protected_characteristics"`
	Score                    float64 `json:"accessibility_score"`
}

// Report is a complete AoI snapshot for one device.
type Report struct {
	MAC             string           `json:"mac"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Classification  string           `json:"classification"`
	Services        []ServiceFinding `json:"services"`
	Characteristics []CharFinding    `json:"characteristics"`
	Landmines       map[string]bool  `json:"landmines"`
	Permissions     map[string]map[string]string `json:"permissions"`
	ClassicRecords  int              `json:"classic_records"`
	Accessibility   Accessibility    `json:"accessibility"`
	SecurityScore   int              `json:"security_score"`
	Recommendations []string         `json:"recommendations"`
}

// Analyzer builds and persists Reports.
type Analyzer struct {
	tables *refdata.Tables
	store  *store.Store
	dir    string
	log    zerolog.Logger
}

// New creates an Analyzer writing snapshots under dir. st may be nil to
// skip findings persistence.
func New(tables *refdata.Tables, st *store.Store, dir string, log zerolog.Logger) *Analyzer {
	return &Analyzer{tables: tables, store: st, dir: dir, log: log}
}

func (a *Analyzer) uuidName(uuid string) string {
	if id, ok := a.tables.IdentifyUUID(uuid); ok {
		return id.Name
	}
	return ""
}

func containsCritical(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func propertyNames(f model.PropertyFlags) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(f.Read, "read")
	add(f.Write, "write")
	add(f.WriteWithoutResp, "write-without-response")
	add(f.Notify, "notify")
	add(f.Indicate, "indicate")
	add(f.AuthenticatedWrite, "authenticated-signed-writes")
	add(f.EncryptRead, "encrypt-read")
	add(f.EncryptAuthRead, "encrypt-authenticated-read")
	add(f.EncryptWrite, "encrypt-write")
	add(f.EncryptAuthWrite, "encrypt-authenticated-write")
	add(f.Broadcast, "broadcast")
	add(f.ExtendedProperties, "extended-properties")
	return out
}

// Analyze derives a Report from the device's current in-memory state.
func (a *Analyzer) Analyze(d *model.Device) Report {
	d.RLock()
	defer d.RUnlock()

	rep := Report{
		MAC:            d.MAC,
		GeneratedAt:    time.Now().UTC(),
		Classification: string(d.Classification),
		Landmines:      make(map[string]bool, len(d.LandmineMap)),
		Permissions:    make(map[string]map[string]string),
		ClassicRecords: len(d.ClassicRecords),
	}
	for uuid, mined := range d.LandmineMap {
		rep.Landmines[uuid] = mined
	}

	for _, svc := range d.Services {
		rep.Services = append(rep.Services, a.analyzeService(svc))
		for _, chr := range svc.Characteristics {
			cf := a.analyzeCharacteristic(svc, chr)
			rep.Characteristics = append(rep.Characteristics, cf)
			if len(chr.PermissionMap) > 0 {
				perms := make(map[string]string, len(chr.PermissionMap))
				for op, kind := range chr.PermissionMap {
					perms[op] = kind
				}
				rep.Permissions[strings.ToLower(chr.UUID)] = perms
			}
		}
	}

	sort.Slice(rep.Characteristics, func(i, j int) bool {
		if rep.Characteristics[i].ServiceUUID != rep.Characteristics[j].ServiceUUID {
			return rep.Characteristics[i].ServiceUUID < rep.Characteristics[j].ServiceUUID
		}
		return rep.Characteristics[i].UUID < rep.Characteristics[j].UUID
	})

	rep.Accessibility = accessibility(rep)
	rep.SecurityScore = securityScore(rep)
	rep.Recommendations = recommendations(rep)
	return rep
}

func (a *Analyzer) analyzeService(svc model.Service) ServiceFinding {
	sf := ServiceFinding{UUID: strings.ToLower(svc.UUID), Name: svc.Name}
	if sf.Name == "" {
		sf.Name = a.uuidName(svc.UUID)
	}
	short, _ := refdata.ShortForm(svc.UUID)
	lowerName := strings.ToLower(sf.Name)
	switch {
	case short == "1800" || short == "1801":
		sf.Notable = true
		sf.NotableReason = "core GATT service"
	case strings.Contains(lowerName, "ota") || strings.Contains(lowerName, "dfu") || strings.Contains(lowerName, "firmware"):
		sf.Notable = true
		sf.NotableReason = "firmware update service"
	case strings.Contains(lowerName, "auth") || strings.Contains(lowerName, "security"):
		sf.Notable = true
		sf.NotableReason = "authentication/security service"
	}
	return sf
}

func (a *Analyzer) analyzeCharacteristic(svc model.Service, chr model.Characteristic) CharFinding {
	cf := CharFinding{
		ServiceUUID: strings.ToLower(svc.UUID),
		UUID:        strings.ToLower(chr.UUID),
		Name:        a.uuidName(chr.UUID),
		Properties:  propertyNames(chr.Flags),
	}
	if len(chr.LastValue) > 0 {
		cf.LastValueHex = hex.EncodeToString(chr.LastValue)
	}

	// A vendor characteristic usually has no assigned name, so the owning
	// service's advertised name counts toward the criticality check too.
	if chr.Flags.WriteWithoutResp && (containsCritical(cf.Name) || containsCritical(svc.Name)) {
		cf.SecurityConcern = true
		cf.ConcernReason = "critical characteristic writable without response"
	}
	if len(cf.Properties) > 3 && chr.Flags.Write && chr.Flags.Notify {
		cf.Unusual = true
		cf.UnusualReason = "broad operation surface including write and notify"
	}
	if len(chr.LastValue) > 20 {
		cf.Unusual = true
		cf.UnusualReason = "unusually long default value"
	}
	return cf
}

func accessibility(rep Report) Accessibility {
	seen := make(map[string]bool)
	for _, c := range rep.Characteristics {
		seen[c.UUID] = true
	}
	blocked := 0
	for uuid, mined := range rep.Landmines {
		if mined {
			blocked++
			seen[uuid] = true
		}
	}
	protected := 0
	for uuid := range rep.Permissions {
		protected++
		seen[uuid] = true
	}
	acc := Accessibility{
		TotalCharacteristics:     len(seen),
		BlockedCharacteristics:   blocked,
		ProtectedCharacteristics: protected,
	}
	if acc.TotalCharacteristics > 0 {
		acc.Score = float64(acc.TotalCharacteristics-blocked-protected) / float64(acc.TotalCharacteristics)
		if acc.Score < 0 {
			acc.Score = 0
		}
	}
	return acc
}

// securityScore starts at 100 and deducts per concern/landmine; the floor
// is 0.
func securityScore(rep Report) int {
	score := 100
	for _, c := range rep.Characteristics {
		if c.SecurityConcern {
			score -= 15
		} else if c.Unusual {
			score -= 5
		}
	}
	for _, mined := range rep.Landmines {
		if mined {
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func recommendations(rep Report) []string {
	var out []string
	concerns := 0
	first := ""
	for _, c := range rep.Characteristics {
		if c.SecurityConcern {
			concerns++
			if first == "" {
				first = c.UUID
			}
		}
	}
	if concerns > 0 {
		out = append(out, fmt.Sprintf("investigate %d security concern(s), starting with %s", concerns, first))
	}
	if rep.Accessibility.BlockedCharacteristics > 0 {
		out = append(out, fmt.Sprintf("%d characteristic(s) stalled the device on read; avoid them in follow-up passes", rep.Accessibility.BlockedCharacteristics))
	}
	if rep.Accessibility.ProtectedCharacteristics > 0 {
		out = append(out, fmt.Sprintf("%d characteristic(s) are permission-walled; pairing may widen access", rep.Accessibility.ProtectedCharacteristics))
	}
	return out
}

// SaveSnapshot writes the report as <macnocolons>_<unixts>.json under the
// analyzer's directory and returns the path. Byte values are hex-encoded in
// the JSON (CharFinding.LastValueHex).
func (a *Analyzer) SaveSnapshot(rep Report) (string, error) {
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return "", bleeperr.Wrap(bleeperr.KindWriteConflict, "aoi dir", err)
	}
	name := fmt.Sprintf("%s_%d.json", strings.ReplaceAll(rep.MAC, ":", ""), rep.GeneratedAt.Unix())
	path := filepath.Join(a.dir, name)
	blob, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", bleeperr.Wrap(bleeperr.KindWriteConflict, "aoi encode", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", bleeperr.Wrap(bleeperr.KindWriteConflict, "aoi write", err)
	}
	return path, nil
}

// LoadLatest returns the most recent snapshot for mac.
func (a *Analyzer) LoadLatest(mac string) (Report, error) {
	prefix := strings.ReplaceAll(model.NormalizeMAC(mac), ":", "") + "_"
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return Report{}, bleeperr.Wrap(bleeperr.KindUnknownObject, "aoi read dir", err)
	}
	var latest string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
			if e.Name() > latest {
				latest = e.Name()
			}
		}
	}
	if latest == "" {
		return Report{}, bleeperr.New(bleeperr.KindUnknownObject, "no aoi snapshot for "+mac)
	}
	blob, err := os.ReadFile(filepath.Join(a.dir, latest))
	if err != nil {
		return Report{}, bleeperr.Wrap(bleeperr.KindUnknownObject, "aoi read", err)
	}
	var rep Report
	if err := json.Unmarshal(blob, &rep); err != nil {
		return Report{}, bleeperr.Wrap(bleeperr.KindSchemaMismatch, "aoi decode "+latest, err)
	}
	return rep, nil
}

// PersistFindings writes every concern and notable service into the
// findings table. Failures are logged, never fatal to the pass that
// produced the report.
func (a *Analyzer) PersistFindings(ctx context.Context, rep Report) {
	if a.store == nil {
		return
	}
	insert := func(kind, severity, detail string) {
		f := store.AoIFinding{MAC: rep.MAC, Kind: kind, Severity: severity, Detail: detail, Timestamp: rep.GeneratedAt}
		if err := a.store.InsertAoIFinding(ctx, f); err != nil {
			a.log.Error().Err(err).Str("mac", rep.MAC).Str("kind", kind).Msg("aoi finding persist failed")
		}
	}
	for _, c := range rep.Characteristics {
		if c.SecurityConcern {
			insert("characteristic_concern", "high", c.UUID+": "+c.ConcernReason)
		} else if c.Unusual {
			insert("characteristic_unusual", "low", c.UUID+": "+c.UnusualReason)
		}
	}
	for _, s := range rep.Services {
		if s.Notable {
			insert("notable_service", "info", s.UUID+": "+s.NotableReason)
		}
	}
	for uuid, mined := range rep.Landmines {
		if mined {
			insert("landmine", "medium", uuid+": read stalled the device")
		}
	}
}
