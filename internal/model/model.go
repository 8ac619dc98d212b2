// Package model holds BLEEP's in-memory device graph: Device, Service,
// Characteristic and Descriptor. The graph is an arena: a Device owns flat
// slices of Service/Characteristic and children hold only integer indices
// of their parent, never pointers back up the tree, so the graph stays
// cycle-free.
package model

import (
	"strings"
	"sync"
	"time"
)

// AddressType is the BLE address type of a device.
type AddressType string

const (
	AddressPublic  AddressType = "public"
	AddressRandom  AddressType = "random"
	AddressUnknown AddressType = "unknown"
)

// Classification is the cached device-type hint; the classifier's verdict
// is the authority, this is only a fast-path echo of it.
type Classification string

const (
	ClassUnknown Classification = "unknown"
	ClassClassic Classification = "classic"
	ClassLE      Classification = "le"
	ClassDual    Classification = "dual"
)

// NormalizeMAC lowercases and trims a MAC address, the canonical key form
// required by ("Device Identity... always normalized lowercase
// with colons").
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// CharSource identifies what produced a history row (invariant:
// "every history row's source field matches the operation that produced it").
type CharSource string

const (
	SourceRead         CharSource = "read"
	SourceWrite        CharSource = "write"
	SourceNotification CharSource = "notification"
	SourceUnknown      CharSource = "unknown"
)

// PropertyFlags mirrors the GATT characteristic property-flag set.
type PropertyFlags struct {
	Read                bool
	Write               bool
	WriteWithoutResp    bool
	Notify              bool
	Indicate            bool
	AuthenticatedWrite  bool
	EncryptRead         bool
	EncryptAuthRead     bool
	EncryptWrite        bool
	EncryptAuthWrite    bool
	Broadcast           bool
	ExtendedProperties  bool
}

// Descriptor is owned by a Characteristic; holds only its parent's index.
type Descriptor struct {
	UUID         string
	LastValue    []byte
	CharIndex    int // index into Characteristic.Descriptors of the owner's slice — self index
	ParentCharID int // index of owning Characteristic within Service.Characteristics
}

// Characteristic is owned by a Service; uniqueness is per (Service, UUID).
type Characteristic struct {
	UUID          string
	Handle        uint16
	Flags         PropertyFlags
	LastValue     []byte
	LastRead      time.Time
	PermissionMap map[string]string // operation -> observed error kind string
	Descriptors   []Descriptor
	ParentSvcID   int // index of owning Service within Device.Services
}

// Service is owned by a Device; uniqueness is per (Device, UUID).
type Service struct {
	UUID            string
	HandleStart     int
	HandleEnd       int
	HasHandleRange  bool
	Name            string
	Characteristics []Characteristic
	FirstSeen       time.Time
	LastSeen        time.Time
}

// AdvReport is an append-only time-series row owned by a Device.
type AdvReport struct {
	Timestamp time.Time
	RSSI      int16
	Raw       []byte
	Decoded   map[string]any
}

// ClassicServiceRecord mirrors "Classic Service Record".
type ClassicServiceRecord struct {
	UUID                string
	RFCOMMChannel       *uint8
	Name                string
	Handle              *uint32
	ProfileDescriptors  []ProfileDescriptor
	ServiceVersion      string
	Description         string
	Timestamp           time.Time
}

// ProfileDescriptor is a (UUID, version) pair used by SDP profile descriptor
// lists.
type ProfileDescriptor struct {
	UUID    string
	Version string
}

// EvidenceWeight is the confidence level of a single Evidence row.
type EvidenceWeight string

const (
	WeightConclusive   EvidenceWeight = "conclusive"
	WeightStrong       EvidenceWeight = "strong"
	WeightWeak         EvidenceWeight = "weak"
	WeightInconclusive EvidenceWeight = "inconclusive"
)

// Evidence is owned by a Device; uniqueness is per (Device, Type, Source).
type Evidence struct {
	Type      string
	Weight    EvidenceWeight
	Source    string
	Value     any
	Metadata  map[string]any
	Timestamp time.Time
}

// Device is the root of the arena: it owns flat slices of Service and, via
// Service, Characteristic/Descriptor. Nothing below it holds a pointer back
// to the Device or to its parent Service — only integer indices, avoiding
// any reference cycle.
//
// A Device is reference-counted in spirit: the orchestrator and the signal
// router both hold a *Device for the same MAC, but ownership of the backing
// struct belongs to whichever component constructed it first (normally the
// adapter/discovery layer); everyone else treats it as shared, mutex-guarded
// state.
type Device struct {
	mu sync.RWMutex

	MAC             string
	AddrType        AddressType
	Name            string
	Appearance      uint16
	DeviceClass     uint32
	HasDeviceClass  bool
	ManufacturerID  uint16
	ManufacturerData []byte
	RSSILast        int16
	RSSIMin         int16
	RSSIMax         int16
	HasRSSI         bool
	FirstSeen       time.Time
	LastSeen        time.Time
	Classification  Classification
	Notes           string

	Advertisements []AdvReport
	Services       []Service
	ClassicRecords []ClassicServiceRecord
	Evidence       []Evidence

	// ServicesResolved mirrors the BlueZ Device1.ServicesResolved property.
	ServicesResolved bool
	Connected        bool
	Paired           bool

	// LandmineMap / PermissionMap are populated by the GATT engine during
	// enumeration.
	LandmineMap map[string]bool
}

// NewDevice creates a Device row in the New lifecycle state.
func NewDevice(mac string) *Device {
	now := time.Now()
	return &Device{
		MAC:            NormalizeMAC(mac),
		AddrType:       AddressUnknown,
		Classification: ClassUnknown,
		FirstSeen:      now,
		LastSeen:       now,
		LandmineMap:    make(map[string]bool),
	}
}

// Observe applies a discovery observation to the device, enforcing the
// monotone first_seen/last_seen invariant from and tracking RSSI
// extrema. It is safe for concurrent use from the IPC dispatch thread.
func (d *Device) Observe(ts time.Time, rssi int16, hasRSSI bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FirstSeen.IsZero() || ts.Before(d.FirstSeen) {
		// first_seen is only ever set on first observation, never pushed
		// backwards by a later, earlier-stamped event.
		if d.FirstSeen.IsZero() {
			d.FirstSeen = ts
		}
	}
	if ts.After(d.LastSeen) || d.LastSeen.IsZero() {
		d.LastSeen = ts
	}
	if hasRSSI {
		d.RSSILast = rssi
		if !d.HasRSSI || rssi < d.RSSIMin {
			d.RSSIMin = rssi
		}
		if !d.HasRSSI || rssi > d.RSSIMax {
			d.RSSIMax = rssi
		}
		d.HasRSSI = true
	}
}

// FindServiceIndex returns the index of the service with the given UUID, or
// -1. Callers must hold the Device lock via Lock for multi-step
// read-modify-write sequences.
func (d *Device) FindServiceIndex(uuid string) int {
	uuid = strings.ToLower(uuid)
	for i := range d.Services {
		if strings.ToLower(d.Services[i].UUID) == uuid {
			return i
		}
	}
	return -1
}

// UpsertService creates or updates (in place) the service with the given
// UUID, returning its index: created on first resolution, updated in
// place on re-enumeration.
func (d *Device) UpsertService(svc Service) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.FindServiceIndex(svc.UUID)
	now := time.Now()
	if idx >= 0 {
		existing := &d.Services[idx]
		if svc.Name != "" {
			existing.Name = svc.Name
		}
		if svc.HasHandleRange {
			existing.HandleStart = svc.HandleStart
			existing.HandleEnd = svc.HandleEnd
			existing.HasHandleRange = true
		}
		existing.LastSeen = now
		return idx
	}
	svc.FirstSeen = now
	svc.LastSeen = now
	d.Services = append(d.Services, svc)
	return len(d.Services) - 1
}

// FindCharacteristicIndex returns the index of the characteristic with the
// given UUID within Services[svcIndex], or -1.
func (d *Device) FindCharacteristicIndex(svcIndex int, uuid string) int {
	uuid = strings.ToLower(uuid)
	svc := &d.Services[svcIndex]
	for i := range svc.Characteristics {
		if strings.ToLower(svc.Characteristics[i].UUID) == uuid {
			return i
		}
	}
	return -1
}

// UpsertCharacteristic creates or updates (in place) the characteristic
// with the given UUID within Services[svcIndex], returning its index.
// Created on first resolution, updated in place on re-enumeration;
// uniqueness per (Service, UUID).
func (d *Device) UpsertCharacteristic(svcIndex int, chr Characteristic) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.FindCharacteristicIndex(svcIndex, chr.UUID)
	svc := &d.Services[svcIndex]
	if idx >= 0 {
		existing := &svc.Characteristics[idx]
		existing.Flags = chr.Flags
		if chr.Handle != 0 {
			existing.Handle = chr.Handle
		}
		if existing.PermissionMap == nil {
			existing.PermissionMap = make(map[string]string)
		}
		return idx
	}
	chr.ParentSvcID = svcIndex
	if chr.PermissionMap == nil {
		chr.PermissionMap = make(map[string]string)
	}
	svc.Characteristics = append(svc.Characteristics, chr)
	return len(svc.Characteristics) - 1
}

// AddDescriptor appends a descriptor to the characteristic at
// (svcIndex, charIndex) unless one with the same UUID already exists
// (uniqueness per (Characteristic, UUID)).
func (d *Device) AddDescriptor(svcIndex, charIndex int, desc Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chr := &d.Services[svcIndex].Characteristics[charIndex]
	for i := range chr.Descriptors {
		if strings.EqualFold(chr.Descriptors[i].UUID, desc.UUID) {
			return
		}
	}
	desc.CharIndex = len(chr.Descriptors)
	desc.ParentCharID = charIndex
	chr.Descriptors = append(chr.Descriptors, desc)
}

// SetCharacteristicValue records a read/notification value onto the
// characteristic identified by (svcIndex, charIndex).
func (d *Device) SetCharacteristicValue(svcIndex, charIndex int, value []byte, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chr := &d.Services[svcIndex].Characteristics[charIndex]
	chr.LastValue = value
	chr.LastRead = ts
}

// SetPermission records an observed operation->error-kind mapping for the
// characteristic at (svcIndex, charIndex) — Permission map.
func (d *Device) SetPermission(svcIndex, charIndex int, op, kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chr := &d.Services[svcIndex].Characteristics[charIndex]
	if chr.PermissionMap == nil {
		chr.PermissionMap = make(map[string]string)
	}
	chr.PermissionMap[op] = kind
}

// Lock/Unlock expose the Device mutex for callers (e.g. the GATT engine)
// that need to perform multi-field read-modify-write sequences spanning
// more than one model method.
func (d *Device) Lock()   { d.mu.Lock() }
func (d *Device) Unlock() { d.mu.Unlock() }
func (d *Device) RLock()  { d.mu.RLock() }
func (d *Device) RUnlock() { d.mu.RUnlock() }

// MarkLandmine flags a characteristic UUID as unsafe to read. Subsequent
// passes skip it unless force=true.
func (d *Device) MarkLandmine(charUUID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LandmineMap == nil {
		d.LandmineMap = make(map[string]bool)
	}
	d.LandmineMap[strings.ToLower(charUUID)] = true
}

// IsLandmine reports whether charUUID was previously marked unsafe.
func (d *Device) IsLandmine(charUUID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.LandmineMap[strings.ToLower(charUUID)]
}
