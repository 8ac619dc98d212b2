package classifier

import (
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/refdata"
)

var allModes = []ScanMode{ModePassive, ModeNaggy, ModePokey, ModeBrute}
var connectedModes = []ScanMode{ModeNaggy, ModePokey, ModeBrute}
var sdpModes = []ScanMode{ModePokey, ModeBrute}

// classicDeviceClassCollector: a BR/EDR Class-of-Device property only ever
// appears on Classic-capable controllers, so its presence is conclusive.
type classicDeviceClassCollector struct{}

func (classicDeviceClassCollector) Name() string      { return "classic_device_class" }
func (classicDeviceClassCollector) Modes() []ScanMode { return allModes }

func (classicDeviceClassCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	if dc.HasDeviceClass {
		set.Add(EvClassicDeviceClass, model.WeightConclusive, "device_class_property", dc.DeviceClass)
	}
}

// classicSDPRecordsCollector requires an SDP query, so it only runs in the
// modes that are allowed to spend controller time on one.
type classicSDPRecordsCollector struct{}

func (classicSDPRecordsCollector) Name() string      { return "classic_sdp_records" }
func (classicSDPRecordsCollector) Modes() []ScanMode { return sdpModes }

func (classicSDPRecordsCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	if dc.SDPRecordCount > 0 {
		set.Add(EvClassicSDPRecords, model.WeightConclusive, "sdp_discovery", dc.SDPRecordCount)
	}
}

type classicServiceUUIDsCollector struct {
	tables *refdata.Tables
}

func (classicServiceUUIDsCollector) Name() string      { return "classic_service_uuids" }
func (classicServiceUUIDsCollector) Modes() []ScanMode { return allModes }

func (c classicServiceUUIDsCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	var hits []string
	for _, u := range dc.UUIDs {
		if id, ok := c.tables.IdentifyUUID(u); ok && id.Category == refdata.CategoryServiceClass {
			hits = append(hits, u)
		}
	}
	if len(hits) > 0 {
		set.Add(EvClassicServiceUUIDs, model.WeightStrong, "uuids_property", hits)
	}
}

// leAddressTypeCollector: a random address is LE-only and conclusive. A
// public address is recorded but inconclusive — Classic devices also carry
// public addresses, so it must never count toward an LE verdict.
type leAddressTypeCollector struct{}

func (leAddressTypeCollector) Name() string      { return "le_address_type" }
func (leAddressTypeCollector) Modes() []ScanMode { return allModes }

func (leAddressTypeCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	switch dc.AddressType {
	case model.AddressRandom:
		set.Add(EvLEAddressRandom, model.WeightConclusive, "address_type_property", string(dc.AddressType))
	case model.AddressPublic:
		set.Add(EvLEAddressPublic, model.WeightInconclusive, "address_type_property", string(dc.AddressType))
	}
}

type leGATTServicesCollector struct{}

func (leGATTServicesCollector) Name() string      { return "le_gatt_services" }
func (leGATTServicesCollector) Modes() []ScanMode { return connectedModes }

func (leGATTServicesCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	if dc.ServicesResolved && dc.GATTServiceCount > 0 {
		set.Add(EvLEGATTServices, model.WeightStrong, "gatt_resolution", dc.GATTServiceCount)
	}
}

type leServiceUUIDsCollector struct {
	tables *refdata.Tables
}

func (leServiceUUIDsCollector) Name() string      { return "le_service_uuids" }
func (leServiceUUIDsCollector) Modes() []ScanMode { return allModes }

func (c leServiceUUIDsCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	var hits []string
	for _, u := range dc.UUIDs {
		if id, ok := c.tables.IdentifyUUID(u); ok && id.Category == refdata.CategoryService {
			hits = append(hits, u)
		}
	}
	if len(hits) > 0 {
		set.Add(EvLEServiceUUIDs, model.WeightStrong, "uuids_property", hits)
	}
}

type leAdvertisingDataCollector struct{}

func (leAdvertisingDataCollector) Name() string      { return "le_advertising_data" }
func (leAdvertisingDataCollector) Modes() []ScanMode { return allModes }

func (leAdvertisingDataCollector) Collect(dc DeviceContext, set *EvidenceSet) {
	if dc.HasAdvertising {
		set.Add(EvLEAdvertisingData, model.WeightWeak, "advertisement", dc.HasAdvertising)
	}
}
