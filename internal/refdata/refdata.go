// Package refdata loads the embedded Bluetooth SIG assigned-number tables
// (services, characteristics, descriptors, member UUIDs, service classes,
// appearance codes, vendor IDs) and exposes the identify/translate lookup
// API. The tables are compiled into the binary with go:embed and parsed
// once at first use via gopkg.in/yaml.v3.
package refdata

import (
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var embeddedData embed.FS

// Category is one of the assigned-number tables a UUID can appear in.
type Category string

const (
	CategoryService        Category = "service"
	CategoryCharacteristic Category = "characteristic"
	CategoryDescriptor     Category = "descriptor"
	CategoryMember         Category = "member"
	CategoryServiceClass   Category = "service_class"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID every 16/32-bit
// short form expands against.
const sigBaseSuffix = "-0000-1000-8000-00805f9b34fb"

type uuidEntry struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
}

type appearanceEntry struct {
	Value int    `yaml:"value"`
	Name  string `yaml:"name"`
}

type vendorEntry struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// Tables holds every parsed assigned-number table. A single package-level
// instance is populated from the embedded YAML files on first use.
type Tables struct {
	byCategory map[Category]map[string]string // short-form (4 hex, lowercase) -> name
	appearance map[int]string
	vendors    map[int]string
}

var (
	once   sync.Once
	tables *Tables
	loadErr error
)

func load() (*Tables, error) {
	once.Do(func() {
		t := &Tables{
			byCategory: make(map[Category]map[string]string),
			appearance: make(map[int]string),
			vendors:    make(map[int]string),
		}

		fileToCategory := map[string]Category{
			"data/services.yaml":        CategoryService,
			"data/characteristics.yaml": CategoryCharacteristic,
			"data/descriptors.yaml":     CategoryDescriptor,
			"data/members.yaml":         CategoryMember,
			"data/service_classes.yaml": CategoryServiceClass,
		}
		for file, cat := range fileToCategory {
			var entries []uuidEntry
			if err := readYAML(file, &entries); err != nil {
				loadErr = fmt.Errorf("refdata: load %s: %w", file, err)
				return
			}
			m := make(map[string]string, len(entries))
			for _, e := range entries {
				m[strings.ToLower(e.UUID)] = e.Name
			}
			t.byCategory[cat] = m
		}

		var appearances []appearanceEntry
		if err := readYAML("data/appearance.yaml", &appearances); err != nil {
			loadErr = fmt.Errorf("refdata: load appearance.yaml: %w", err)
			return
		}
		for _, a := range appearances {
			t.appearance[a.Value] = a.Name
		}

		var vendors []vendorEntry
		if err := readYAML("data/vendors.yaml", &vendors); err != nil {
			loadErr = fmt.Errorf("refdata: load vendors.yaml: %w", err)
			return
		}
		for _, v := range vendors {
			t.vendors[v.ID] = v.Name
		}

		tables = t
	})
	return tables, loadErr
}

func readYAML(path string, out interface{}) error {
	b, err := embeddedData.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

// MustLoad loads the tables, panicking on a malformed embedded file (a
// build-time invariant, not a runtime condition).
func MustLoad() *Tables {
	t, err := load()
	if err != nil {
		panic(err)
	}
	return t
}

// Identification is the result of IdentifyUUID: a single category match.
type Identification struct {
	Category Category
	Short    string
	Name     string
}

// IdentifyUUID looks up a UUID in its most specific known table and returns
// the first match found, searching service, characteristic, descriptor,
// member and service-class tables in that order. Returns ok=false when no
// table recognizes it.
func (t *Tables) IdentifyUUID(input string) (Identification, bool) {
	short, ok := ShortForm(input)
	if !ok {
		return Identification{}, false
	}
	order := []Category{CategoryService, CategoryCharacteristic, CategoryDescriptor, CategoryMember, CategoryServiceClass}
	for _, cat := range order {
		if name, ok := t.byCategory[cat][short]; ok {
			return Identification{Category: cat, Short: short, Name: name}, true
		}
	}
	return Identification{}, false
}

// Match is one entry of TranslateUUID's result: a 16-bit input must surface
// every category it appears in, unlike IdentifyUUID which
// returns only the first.
type Match struct {
	Category Category
	Name     string
	Source   string // "bundled" – reserved for future external sources
}

// Translation is the full result of TranslateUUID.
type Translation struct {
	Normalized128 string
	Format        string // "16-bit", "32-bit", "128-bit"
	ShortForm     string
	Matches       []Match
}

// TranslateUUID normalizes input (16/32/128-bit) to its full 128-bit form
// and returns every category match, because a 16-bit input can collide
// across tables (a member UUID may share its short form with a service).
func (t *Tables) TranslateUUID(input string) (Translation, error) {
	normalized, format, short, err := normalizeUUID(input)
	if err != nil {
		return Translation{}, err
	}

	tr := Translation{Normalized128: normalized, Format: format, ShortForm: short}
	if short == "" {
		return tr, nil
	}
	order := []Category{CategoryService, CategoryCharacteristic, CategoryDescriptor, CategoryMember, CategoryServiceClass}
	for _, cat := range order {
		if name, ok := t.byCategory[cat][short]; ok {
			tr.Matches = append(tr.Matches, Match{Category: cat, Name: name, Source: "bundled"})
		}
	}
	return tr, nil
}

// ShortForm extracts the 16-bit short form (lowercase, 4 hex digits) from a
// 16/32/128-bit UUID input, or ok=false when input isn't a recognizable
// Bluetooth SIG short-form UUID (e.g. a fully custom 128-bit UUID not built
// on the SIG base).
func ShortForm(input string) (string, bool) {
	_, _, short, err := normalizeUUID(input)
	if err != nil || short == "" {
		return "", false
	}
	return short, true
}

// normalizeUUID accepts 16-bit ("180F"), 32-bit, or full 128-bit UUID
// strings and returns the canonical 128-bit form, its detected format, and
// (if it is built on the SIG base UUID) its 16-bit short form.
func normalizeUUID(input string) (normalized128, format, short string, err error) {
	clean := strings.ToLower(strings.TrimSpace(input))
	clean = strings.TrimPrefix(clean, "0x")

	switch len(clean) {
	case 4:
		if _, perr := strconv.ParseUint(clean, 16, 16); perr != nil {
			return "", "", "", fmt.Errorf("refdata: invalid 16-bit uuid %q: %w", input, perr)
		}
		return "0000" + clean + sigBaseSuffix, "16-bit", clean, nil
	case 8:
		if _, perr := strconv.ParseUint(clean, 16, 32); perr != nil {
			return "", "", "", fmt.Errorf("refdata: invalid 32-bit uuid %q: %w", input, perr)
		}
		full := clean + sigBaseSuffix
		short := ""
		if strings.HasPrefix(clean, "0000") {
			short = clean[4:]
		}
		return full, "32-bit", short, nil
	default:
		u, perr := uuid.Parse(clean)
		if perr != nil {
			return "", "", "", fmt.Errorf("refdata: invalid uuid %q: %w", input, perr)
		}
		full := u.String()
		if strings.HasSuffix(full, sigBaseSuffix) && strings.HasPrefix(full, "0000") {
			return full, "128-bit", full[4:8], nil
		}
		return full, "128-bit", "", nil
	}
}

// Appearance resolves a GAP appearance value to its category name.
func (t *Tables) Appearance(value uint16) (string, bool) {
	name, ok := t.appearance[int(value)]
	return name, ok
}

// Vendor resolves a Bluetooth SIG company identifier (the ID carried in
// ManufacturerData) to a vendor name.
func (t *Tables) Vendor(id uint16) (string, bool) {
	name, ok := t.vendors[int(id)]
	return name, ok
}
