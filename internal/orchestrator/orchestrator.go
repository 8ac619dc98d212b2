// Package orchestrator drives the reconnaissance mode flows: scan, connect,
// enumerate, classify, analyze, persist. It is the only layer that holds
// all the subsystems together; everything below it stays independently
// usable.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Mauddib28/bleep-tool/internal/adapter"
	"github.com/Mauddib28/bleep-tool/internal/aoi"
	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/classic"
	"github.com/Mauddib28/bleep-tool/internal/classifier"
	"github.com/Mauddib28/bleep-tool/internal/gatt"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
	"github.com/Mauddib28/bleep-tool/internal/signalrouter"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

// Variant is the mode selector shared by scan, enumeration and evidence
// collection; the four names line up across all three layers.
type Variant string

const (
	Passive Variant = "passive"
	Naggy   Variant = "naggy"
	Pokey   Variant = "pokey"
	Brute   Variant = "brute"
)

func (v Variant) scanVariant() adapter.Variant  { return adapter.Variant(v) }
func (v Variant) enumVariant() gatt.EnumVariant { return gatt.EnumVariant(v) }
func (v Variant) scanMode() classifier.ScanMode { return classifier.ScanMode(v) }

// Deps collects everything an Orchestrator needs; all fields are required
// except AoI and Classic, which disable their stages when nil.
type Deps struct {
	Pool       *ipc.Pool
	Metrics    *reliability.Metrics
	Recovery   *reliability.RecoveryManager
	Store      *store.Store
	Router     *signalrouter.Router
	Adapter    *adapter.Adapter
	Classifier *classifier.Classifier
	AoI        *aoi.Analyzer
	Classic    *classic.Discoverer
	Logs       *bleeplog.Set
	ReportsDir string
}

// Orchestrator owns the shared in-memory device table. Devices are co-owned
// with the signal router; both sides see the same *model.Device.
type Orchestrator struct {
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	devices map[string]*model.Device
}

// New wires an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:    deps,
		log:     deps.Logs.Logger(bleeplog.Enum),
		devices: make(map[string]*model.Device),
	}
}

// Device returns the shared in-memory device for mac, creating it on first
// observation.
func (o *Orchestrator) Device(mac string) *model.Device {
	mac = model.NormalizeMAC(mac)
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.devices[mac]
	if !ok {
		d = model.NewDevice(mac)
		o.devices[mac] = d
	}
	return d
}

// Scan runs the requested discovery variant, persisting each advertisement
// as it arrives: device upsert, adv row, RSSI extrema.
func (o *Orchestrator) Scan(ctx context.Context, opts adapter.ScanOptions, events <-chan ipc.Event) error {
	return o.deps.Adapter.Scan(ctx, opts, events, func(adv adapter.Advertisement) {
		o.ingestAdvertisement(ctx, adv)
	})
}

func (o *Orchestrator) ingestAdvertisement(ctx context.Context, adv adapter.Advertisement) {
	d := o.Device(adv.MAC)
	d.Observe(adv.Timestamp, adv.RSSI, adv.HasRSSI)
	if adv.Name != "" {
		d.Lock()
		d.Name = adv.Name
		d.Unlock()
	}
	applyAdvertisedProperties(d, adv)

	if err := o.deps.Store.UpsertDevice(ctx, d); err != nil {
		o.log.Error().Err(err).Str("mac", adv.MAC).Msg("device upsert failed")
	}
	decoded := make(map[string]any, len(adv.Raw))
	for k, v := range adv.Raw {
		decoded[k] = fmt.Sprintf("%v", v.Value())
	}
	if err := o.deps.Store.InsertAdv(ctx, adv.MAC, adv.Timestamp, adv.RSSI, nil, decoded); err != nil {
		o.log.Error().Err(err).Str("mac", adv.MAC).Msg("adv insert failed")
	}
}

// applyAdvertisedProperties copies classification-relevant properties off
// the raw advertisement body onto the shared device.
func applyAdvertisedProperties(d *model.Device, adv adapter.Advertisement) {
	d.Lock()
	defer d.Unlock()
	d.Advertisements = append(d.Advertisements, model.AdvReport{
		Timestamp: adv.Timestamp,
		RSSI:      adv.RSSI,
	})
	if v, ok := adv.Raw["AddressType"]; ok {
		if s, ok := ipc.VariantString(v); ok {
			switch s {
			case "public":
				d.AddrType = model.AddressPublic
			case "random":
				d.AddrType = model.AddressRandom
			}
		}
	}
	if v, ok := adv.Raw["Class"]; ok {
		if cls, ok := v.Value().(uint32); ok {
			d.DeviceClass = cls
			d.HasDeviceClass = true
		}
	}
	if v, ok := adv.Raw["Appearance"]; ok {
		if ap, ok := v.Value().(uint16); ok {
			d.Appearance = ap
		}
	}
}

// EnumResult bundles one device pass.
type EnumResult struct {
	Device         *model.Device
	Mapping        *gatt.Mapping
	Landmines      map[string]bool
	Permissions    map[string]map[string]string
	SDPRecords     []model.ClassicServiceRecord
	Classification classifier.Result
	AoISnapshot    string
}

// historySink bridges GATT read/write/notify traffic into the observation
// store and the signal router.
func (o *Orchestrator) historySink(ctx context.Context, mac string) gatt.HistorySink {
	return func(svcUUID, chrUUID string, ts time.Time, value []byte, source model.CharSource) {
		if err := o.deps.Store.InsertCharHistory(ctx, mac, svcUUID, chrUUID, ts, value, source); err != nil {
			o.log.Error().Err(err).Str("mac", mac).Str("char", chrUUID).Msg("history insert failed")
		}
		o.deps.Router.Dispatch(ctx, signalrouter.Signal{
			Type:        routerSignalType(source),
			DeviceMAC:   mac,
			ServiceUUID: svcUUID,
			CharUUID:    chrUUID,
			Value:       value,
		})
	}
}

func routerSignalType(source model.CharSource) signalrouter.SignalType {
	switch source {
	case model.SourceRead:
		return signalrouter.SignalRead
	case model.SourceWrite:
		return signalrouter.SignalWrite
	case model.SourceNotification:
		return signalrouter.SignalNotification
	default:
		return signalrouter.SignalAny
	}
}

// ConnectAndEnumerate runs the full per-device pipeline for one mode:
// connect, resolve, enumerate per the variant's policy, persist the GATT
// tree, run SDP where the mode allows it, classify, and snapshot. Partial
// results are persisted even when a stage fails or ctx is cancelled.
func (o *Orchestrator) ConnectAndEnumerate(ctx context.Context, mac string, variant Variant, opts gatt.EnumOptions, events <-chan ipc.Event) (*EnumResult, error) {
	mac = model.NormalizeMAC(mac)
	d := o.Device(mac)
	path := ipc.DeviceObjectPath(string(o.deps.Adapter.Path()), mac)
	session := gatt.NewSession(o.deps.Pool, o.deps.Metrics, path, d)
	sink := o.historySink(ctx, mac)

	opts.Variant = variant.enumVariant()
	mapping, err := session.ConnectAndEnumerate(ctx, events, opts, sink)
	if err != nil && bleeperr.KindOf(err) == bleeperr.KindOperationTimeout {
		// One staged-recovery round, then a single retry.
		o.log.Warn().Str("mac", mac).Msg("enumeration timed out, entering recovery")
		if rerr := o.deps.Recovery.Recover(ctx, o.deps.Pool, mac); rerr == nil {
			mapping, err = session.ConnectAndEnumerate(ctx, events, opts, sink)
		}
	}
	defer session.Disconnect(context.Background())

	res := &EnumResult{Device: d}
	o.persistTree(ctx, mac, d)
	if err != nil {
		return res, err
	}
	res.Mapping = mapping
	res.Landmines, res.Permissions = snapshotMaps(d)

	if (variant == Pokey || variant == Brute) && o.deps.Classic != nil {
		if recs, sdpErr := o.deps.Classic.DiscoverFull(ctx, mac); sdpErr == nil {
			res.SDPRecords = recs
			for _, rec := range recs {
				if serr := o.deps.Store.UpsertClassicRecord(ctx, mac, rec); serr != nil {
					o.log.Error().Err(serr).Str("mac", mac).Msg("classic record persist failed")
				}
			}
		} else {
			o.log.Debug().Err(sdpErr).Str("mac", mac).Msg("sdp discovery produced nothing")
		}
	}

	dc := classifier.SnapshotDevice(d, len(res.SDPRecords))
	cls, cerr := o.deps.Classifier.ClassifyWithMode(ctx, dc, variant.scanMode(), true)
	if cerr == nil {
		res.Classification = cls
		d.Lock()
		d.Classification = cls.Type
		d.Unlock()
		if serr := o.deps.Store.SetDeviceClassification(ctx, mac, cls.Type); serr != nil {
			o.log.Error().Err(serr).Str("mac", mac).Msg("classification persist failed")
		}
	}

	if (variant == Pokey || variant == Brute) && o.deps.AoI != nil {
		rep := o.deps.AoI.Analyze(d)
		o.deps.AoI.PersistFindings(ctx, rep)
		if snap, aerr := o.deps.AoI.SaveSnapshot(rep); aerr == nil {
			res.AoISnapshot = snap
		}
	}
	return res, nil
}

// persistTree writes the resolved GATT structure through the store. Called
// on both success and failure paths so a cancelled pass never leaves a
// characteristic discovered in memory but absent from the store.
func (o *Orchestrator) persistTree(ctx context.Context, mac string, d *model.Device) {
	d.RLock()
	services := make([]store.ServiceInput, 0, len(d.Services))
	type charBatch struct {
		svcUUID string
		chars   []store.CharacteristicInput
	}
	var batches []charBatch
	for _, svc := range d.Services {
		in := store.ServiceInput{UUID: svc.UUID, Name: svc.Name}
		if svc.HasHandleRange {
			hs, he := svc.HandleStart, svc.HandleEnd
			in.HandleStart, in.HandleEnd = &hs, &he
		}
		services = append(services, in)

		b := charBatch{svcUUID: svc.UUID}
		for _, chr := range svc.Characteristics {
			h := int(chr.Handle)
			b.chars = append(b.chars, store.CharacteristicInput{
				UUID:          chr.UUID,
				Handle:        &h,
				Flags:         flagsMap(chr.Flags),
				PermissionMap: chr.PermissionMap,
			})
		}
		batches = append(batches, b)
	}
	d.RUnlock()

	if len(services) == 0 {
		return
	}
	if err := o.deps.Store.UpsertServices(ctx, mac, services); err != nil {
		o.log.Error().Err(err).Str("mac", mac).Msg("service upsert failed")
		return
	}
	for _, b := range batches {
		if len(b.chars) == 0 {
			continue
		}
		if err := o.deps.Store.UpsertCharacteristics(ctx, mac, b.svcUUID, b.chars); err != nil {
			o.log.Error().Err(err).Str("mac", mac).Str("service", b.svcUUID).Msg("characteristic upsert failed")
		}
	}
}

func flagsMap(f model.PropertyFlags) map[string]bool {
	return map[string]bool{
		"read":                        f.Read,
		"write":                       f.Write,
		"write-without-response":      f.WriteWithoutResp,
		"notify":                      f.Notify,
		"indicate":                    f.Indicate,
		"authenticated-signed-writes": f.AuthenticatedWrite,
		"encrypt-read":                f.EncryptRead,
		"encrypt-authenticated-read":  f.EncryptAuthRead,
	}
}

func snapshotMaps(d *model.Device) (map[string]bool, map[string]map[string]string) {
	d.RLock()
	defer d.RUnlock()
	landmines := make(map[string]bool, len(d.LandmineMap))
	for k, v := range d.LandmineMap {
		landmines[k] = v
	}
	perms := make(map[string]map[string]string)
	for _, svc := range d.Services {
		for _, chr := range svc.Characteristics {
			if len(chr.PermissionMap) == 0 {
				continue
			}
			m := make(map[string]string, len(chr.PermissionMap))
			for op, kind := range chr.PermissionMap {
				m[op] = kind
			}
			perms[strings.ToLower(chr.UUID)] = m
		}
	}
	return landmines, perms
}

// ScanAndEnumerate is the standard mode flow: discover the target with the
// variant's scan policy, then run its enumeration policy. For pokey the
// scan filter is pinned to the target address.
func (o *Orchestrator) ScanAndEnumerate(ctx context.Context, target string, variant Variant, scanTimeout time.Duration, opts gatt.EnumOptions, events <-chan ipc.Event) (*EnumResult, error) {
	target = model.NormalizeMAC(target)
	scanOpts := adapter.ScanOptions{
		Variant: variant.scanVariant(),
		Timeout: scanTimeout,
	}
	if variant == Pokey {
		scanOpts.Target = target
	}
	if err := o.Scan(ctx, scanOpts, events); err != nil && ctx.Err() != nil {
		return nil, err
	}
	return o.ConnectAndEnumerate(ctx, target, variant, opts, events)
}

// EnumerateMany fans the per-device pipeline across targets. The adapter
// is a singleton so scans already happened; enumeration of distinct
// devices may overlap, bounded to keep the controller responsive. Each
// device gets its own signal subscription via subscribe so concurrent
// sessions never steal each other's events.
func (o *Orchestrator) EnumerateMany(ctx context.Context, macs []string, variant Variant, opts gatt.EnumOptions, subscribe func() <-chan ipc.Event) (map[string]*EnumResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)

	var mu sync.Mutex
	results := make(map[string]*EnumResult, len(macs))

	for _, mac := range macs {
		mac := model.NormalizeMAC(mac)
		g.Go(func() error {
			res, err := o.ConnectAndEnumerate(gctx, mac, variant, opts, subscribe())
			mu.Lock()
			results[mac] = res
			mu.Unlock()
			if err != nil && gctx.Err() != nil {
				return err
			}
			// Per-device failures are recorded, not fatal to the sweep.
			if err != nil {
				o.log.Warn().Err(err).Str("mac", mac).Msg("device pass failed")
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// reportBundle is the dated JSON result document written per pass.
type reportBundle struct {
	MAC            string                       `json:"mac"`
	Variant        string                       `json:"variant"`
	GeneratedAt    time.Time                    `json:"generated_at"`
	Classification string                       `json:"classification"`
	Services       map[string][]string          `json:"services"`
	Landmines      map[string]bool              `json:"landmines"`
	Permissions    map[string]map[string]string `json:"permissions"`
	SDPRecords     int                          `json:"sdp_records"`
	AoISnapshot    string                       `json:"aoi_snapshot,omitempty"`
}

// WriteReport persists a dated result bundle under reports/YYYY-MM-DD/ and
// returns its path.
func (o *Orchestrator) WriteReport(res *EnumResult, variant Variant) (string, error) {
	now := time.Now().UTC()
	dir := filepath.Join(o.deps.ReportsDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", bleeperr.Wrap(bleeperr.KindWriteConflict, "reports dir", err)
	}

	res.Device.RLock()
	mac := res.Device.MAC
	class := string(res.Device.Classification)
	res.Device.RUnlock()

	bundle := reportBundle{
		MAC:            mac,
		Variant:        string(variant),
		GeneratedAt:    now,
		Classification: class,
		Landmines:      res.Landmines,
		Permissions:    res.Permissions,
		SDPRecords:     len(res.SDPRecords),
		AoISnapshot:    res.AoISnapshot,
	}
	if res.Mapping != nil {
		bundle.Services = res.Mapping.Services
	}

	name := fmt.Sprintf("%s_%s_%d.json", strings.ReplaceAll(mac, ":", ""), variant, now.Unix())
	path := filepath.Join(dir, name)
	blob, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", bleeperr.Wrap(bleeperr.KindWriteConflict, "report encode", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", bleeperr.Wrap(bleeperr.KindWriteConflict, "report write", err)
	}
	return path, nil
}
