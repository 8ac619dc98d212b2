// Package classifier decides whether a device is Classic, LE, dual-mode or
// unknown from weighted evidence collected out of the device's current
// state. Classification is stateless: only the evidence gathered this pass
// counts, never history rows and never the cached hint on the device row.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/refdata"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

// ScanMode gates which collectors may run; higher-cost collectors (SDP,
// GATT) are disabled in the cheaper modes.
type ScanMode string

const (
	ModePassive ScanMode = "passive"
	ModeNaggy   ScanMode = "naggy"
	ModePokey   ScanMode = "pokey"
	ModeBrute   ScanMode = "brute"
)

// Evidence type names. These are the persisted identifiers in the evidence
// table, so renaming one is a schema-affecting change.
const (
	EvClassicDeviceClass  = "CLASSIC_DEVICE_CLASS"
	EvClassicSDPRecords   = "CLASSIC_SDP_RECORDS"
	EvClassicServiceUUIDs = "CLASSIC_SERVICE_UUIDS"
	EvLEAddressRandom     = "LE_ADDRESS_TYPE_RANDOM"
	EvLEAddressPublic     = "LE_ADDRESS_TYPE_PUBLIC"
	EvLEGATTServices      = "LE_GATT_SERVICES"
	EvLEServiceUUIDs      = "LE_SERVICE_UUIDS"
	EvLEAdvertisingData   = "LE_ADVERTISING_DATA"
)

// DeviceContext is a read-only snapshot of the device properties available
// to collectors. Collectors borrow it without mutating the live Device.
type DeviceContext struct {
	MAC              string
	HasDeviceClass   bool
	DeviceClass      uint32
	SDPRecordCount   int
	UUIDs            []string
	AddressType      model.AddressType
	ServicesResolved bool
	GATTServiceCount int
	HasAdvertising   bool
}

// SnapshotDevice builds a DeviceContext from the live device graph plus the
// SDP record count the classic layer produced this pass.
func SnapshotDevice(d *model.Device, sdpRecords int) DeviceContext {
	d.RLock()
	defer d.RUnlock()
	uuids := make([]string, 0, len(d.Services))
	for _, svc := range d.Services {
		uuids = append(uuids, svc.UUID)
	}
	return DeviceContext{
		MAC:              d.MAC,
		HasDeviceClass:   d.HasDeviceClass,
		DeviceClass:      d.DeviceClass,
		SDPRecordCount:   sdpRecords,
		UUIDs:            uuids,
		AddressType:      d.AddrType,
		ServicesResolved: d.ServicesResolved,
		GATTServiceCount: len(d.Services),
		HasAdvertising:   len(d.Advertisements) > 0,
	}
}

// EvidenceSet accumulates at most one piece of evidence per type.
type EvidenceSet struct {
	pieces map[string]model.Evidence
}

// NewEvidenceSet creates an empty set.
func NewEvidenceSet() *EvidenceSet {
	return &EvidenceSet{pieces: make(map[string]model.Evidence)}
}

// Add records one piece of evidence, replacing any prior piece of the same
// type from this pass.
func (s *EvidenceSet) Add(evType string, weight model.EvidenceWeight, source string, value any) {
	s.pieces[evType] = model.Evidence{
		Type:      evType,
		Weight:    weight,
		Source:    source,
		Value:     value,
		Timestamp: time.Now(),
	}
}

// Has reports whether evidence of evType with exactly the given weight is
// present.
func (s *EvidenceSet) Has(evType string, weight model.EvidenceWeight) bool {
	e, ok := s.pieces[evType]
	return ok && e.Weight == weight
}

// Types returns the sorted evidence type names in the set.
func (s *EvidenceSet) Types() []string {
	out := make([]string, 0, len(s.pieces))
	for t := range s.pieces {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Pieces returns every piece in deterministic (type-sorted) order.
func (s *EvidenceSet) Pieces() []model.Evidence {
	out := make([]model.Evidence, 0, len(s.pieces))
	for _, t := range s.Types() {
		out = append(out, s.pieces[t])
	}
	return out
}

func (s *EvidenceSet) countWeight(w model.EvidenceWeight) int {
	n := 0
	for _, e := range s.pieces {
		if e.Weight == w {
			n++
		}
	}
	return n
}

// Collector produces evidence of one or more types from a DeviceContext.
// Each collector declares the scan modes it may run in.
type Collector interface {
	Name() string
	Modes() []ScanMode
	Collect(dc DeviceContext, set *EvidenceSet)
}

// Result is a derived classification; it is never persisted as truth, only
// cached as a hint on the device row.
type Result struct {
	Type       model.Classification
	Confidence float64
	Reasoning  string
	Cached     bool
	Evidence   *EvidenceSet
}

// Classifier aggregates the default collector set. Evidence collection for
// one MAC is serialised; different MACs may collect concurrently.
type Classifier struct {
	collectors []Collector
	tables     *refdata.Tables
	store      *store.Store

	mu       sync.Mutex
	perMAC   map[string]*sync.Mutex
}

// New builds a Classifier with the default collectors. st may be nil, which
// disables the signature cache and evidence persistence.
func New(tables *refdata.Tables, st *store.Store) *Classifier {
	c := &Classifier{
		tables: tables,
		store:  st,
		perMAC: make(map[string]*sync.Mutex),
	}
	c.collectors = []Collector{
		classicDeviceClassCollector{},
		classicSDPRecordsCollector{},
		classicServiceUUIDsCollector{tables: tables},
		leAddressTypeCollector{},
		leGATTServicesCollector{},
		leServiceUUIDsCollector{tables: tables},
		leAdvertisingDataCollector{},
	}
	return c
}

// Register appends a custom collector.
func (c *Classifier) Register(col Collector) {
	c.collectors = append(c.collectors, col)
}

func (c *Classifier) macLock(mac string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.perMAC[mac]
	if !ok {
		m = &sync.Mutex{}
		c.perMAC[mac] = m
	}
	return m
}

func (c *Classifier) collectorsForMode(mode ScanMode) []Collector {
	out := make([]Collector, 0, len(c.collectors))
	for _, col := range c.collectors {
		for _, m := range col.Modes() {
			if m == mode {
				out = append(out, col)
				break
			}
		}
	}
	return out
}

// CollectEvidence runs every collector allowed in mode against the snapshot.
func (c *Classifier) CollectEvidence(dc DeviceContext, mode ScanMode) *EvidenceSet {
	set := NewEvidenceSet()
	for _, col := range c.collectorsForMode(mode) {
		col.Collect(dc, set)
	}
	return set
}

// Classify applies the decision rule to an evidence set:
//
//   - classic requires at least one conclusive Classic piece
//   - le requires one conclusive LE piece or two strong LE pieces
//   - dual requires a conclusive piece from each protocol independently;
//     strong-only evidence never yields dual
//   - LE_ADDRESS_TYPE_PUBLIC is inconclusive and contributes nothing
func (c *Classifier) Classify(set *EvidenceSet) Result {
	classicConclusive := set.Has(EvClassicDeviceClass, model.WeightConclusive) ||
		set.Has(EvClassicSDPRecords, model.WeightConclusive)

	leConclusive := set.Has(EvLEAddressRandom, model.WeightConclusive)

	leStrong := 0
	for _, t := range []string{EvLEGATTServices, EvLEServiceUUIDs} {
		if set.Has(t, model.WeightStrong) {
			leStrong++
		}
	}

	var typ model.Classification
	switch {
	case classicConclusive && leConclusive:
		typ = model.ClassDual
	case classicConclusive:
		typ = model.ClassClassic
	case leConclusive || leStrong >= 2:
		typ = model.ClassLE
	default:
		typ = model.ClassUnknown
	}

	return Result{
		Type:       typ,
		Confidence: confidence(set),
		Reasoning:  reasoning(set, typ),
		Evidence:   set,
	}
}

func confidence(set *EvidenceSet) float64 {
	c := float64(set.countWeight(model.WeightConclusive))*0.5 +
		float64(set.countWeight(model.WeightStrong))*0.3 +
		float64(set.countWeight(model.WeightWeak))*0.1
	if c > 1.0 {
		return 1.0
	}
	return c
}

func reasoning(set *EvidenceSet, typ model.Classification) string {
	var reasons []string
	for _, e := range set.Pieces() {
		if e.Weight == model.WeightInconclusive {
			continue
		}
		reasons = append(reasons, fmt.Sprintf("%s (%s)", e.Type, e.Weight))
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("classified as %s: no usable evidence", typ)
	}
	return fmt.Sprintf("classified as %s based on: %s", typ, strings.Join(reasons, ", "))
}

// signatureTolerance is the Jaccard-similarity floor for a cache hit.
const signatureTolerance = 0.8

// ClassifyWithMode is the full pipeline: collect mode-gated evidence, check
// the signature cache against it, classify, and persist the evidence rows as audit
// trail. The cache is a performance hint only; a cache miss or any cache
// error falls through to a full classification.
func (c *Classifier) ClassifyWithMode(ctx context.Context, dc DeviceContext, mode ScanMode, useCache bool) (Result, error) {
	lock := c.macLock(dc.MAC)
	lock.Lock()
	defer lock.Unlock()

	set := c.CollectEvidence(dc, mode)

	if useCache && c.store != nil {
		if res, ok := c.checkCache(ctx, dc.MAC, set); ok {
			return res, nil
		}
	}

	res := c.Classify(set)

	if c.store != nil {
		for _, e := range set.Pieces() {
			if err := c.store.StoreDeviceTypeEvidence(ctx, dc.MAC, e); err != nil {
				// Evidence persistence failures never abort classification.
				continue
			}
		}
	}
	return res, nil
}

// checkCache compares the current evidence-type set against the stored one
// for this MAC. A Jaccard similarity at or above the tolerance plus a
// non-unknown stored classification yields a cached result.
func (c *Classifier) checkCache(ctx context.Context, mac string, set *EvidenceSet) (Result, bool) {
	stored, err := c.store.DeviceEvidence(ctx, mac)
	if err != nil || len(stored) == 0 {
		return Result{}, false
	}
	dev, err := c.store.DeviceRow(ctx, mac)
	if err != nil || dev.Classification == model.ClassUnknown {
		return Result{}, false
	}

	storedTypes := make(map[string]bool, len(stored))
	for _, r := range stored {
		storedTypes[r.Type] = true
	}
	currentTypes := make(map[string]bool)
	for _, t := range set.Types() {
		currentTypes[t] = true
	}

	sim := jaccard(currentTypes, storedTypes)
	if sim < signatureTolerance {
		return Result{}, false
	}
	return Result{
		Type:       dev.Classification,
		Confidence: 0.9,
		Reasoning:  fmt.Sprintf("cached classification (signature similarity %.2f)", sim),
		Cached:     true,
		Evidence:   set,
	}, true
}

func jaccard(a, b map[string]bool) float64 {
	union := make(map[string]bool, len(a)+len(b))
	inter := 0
	for t := range a {
		union[t] = true
		if b[t] {
			inter++
		}
	}
	for t := range b {
		union[t] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}
