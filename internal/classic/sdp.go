// Package classic implements the BR/EDR side of the toolkit: SDP
// discovery (connectionless and full), SDP analysis, a generic RFCOMM
// dial helper, and PBAP phonebook pulls. SDP runs a two-tier strategy:
// BlueZ Device1.GetServiceRecords first, sdptool text parsing as the
// fallback when the native path yields nothing.
package classic

import (
	"context"
	"encoding/xml"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

const deviceIface = "org.bluez.Device1"

// PingPrecheck governs the connectionless SDP reachability pre-check
// (defaults: 3 pings, 13s cap).
type PingPrecheck struct {
	Count   int
	MaxWait time.Duration
	Binary  string // defaults to "l2ping"
}

// DefaultPingPrecheck matches the spec's stated defaults.
var DefaultPingPrecheck = PingPrecheck{Count: 3, MaxWait: 13 * time.Second, Binary: "l2ping"}

// reachable runs l2ping -c N against mac and reports whether any reply was
// received within p.MaxWait. l2ping ships with bluez-utils on every system
// that also carries sdptool, so no extra dependency is introduced.
func (p PingPrecheck) reachable(ctx context.Context, mac string) error {
	count := p.Count
	if count <= 0 {
		count = DefaultPingPrecheck.Count
	}
	wait := p.MaxWait
	if wait <= 0 {
		wait = DefaultPingPrecheck.MaxWait
	}
	binary := p.Binary
	if binary == "" {
		binary = DefaultPingPrecheck.Binary
	}

	cctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	cmd := exec.CommandContext(cctx, binary, "-c", strconv.Itoa(count), mac)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindDeviceUnreachable, "sdp precheck ping "+mac, err)
	}
	if !strings.Contains(string(out), "bytes from") {
		return bleeperr.New(bleeperr.KindDeviceUnreachable, "sdp precheck ping "+mac)
	}
	return nil
}

// Discoverer resolves SDP records for BR/EDR devices over the IPC pool,
// falling back to the sdptool binary when BlueZ's native path yields
// nothing.
type Discoverer struct {
	pool     *ipc.Pool
	metrics  *reliability.Metrics
	adapterPath string
	sdptool  string // resolved lazily, cached path to the sdptool binary
}

// NewDiscoverer builds a Discoverer bound to pool/metrics/adapterPath.
func NewDiscoverer(pool *ipc.Pool, metrics *reliability.Metrics, adapterPath string) *Discoverer {
	return &Discoverer{pool: pool, metrics: metrics, adapterPath: adapterPath}
}

// DiscoverFull runs "Full SDP": calls the device's
// GetServiceRecords equivalent directly; no reachability pre-check since a
// full flow implies the device is already connected or connectable.
func (d *Discoverer) DiscoverFull(ctx context.Context, mac string) ([]model.ClassicServiceRecord, error) {
	recs, err := d.discoverDBus(ctx, mac)
	if err == nil && len(recs) > 0 {
		return recs, nil
	}
	return d.discoverSdptool(ctx, mac)
}

// DiscoverConnectionless runs "Connectionless SDP": a
// reachability ping pre-check first (aborting early and clearly on
// failure), then the same two-tier SDP strategy as DiscoverFull. SDP
// itself does not require an established Bluetooth connection.
func (d *Discoverer) DiscoverConnectionless(ctx context.Context, mac string, precheck PingPrecheck) ([]model.ClassicServiceRecord, error) {
	if err := precheck.reachable(ctx, mac); err != nil {
		return nil, err
	}
	return d.DiscoverFull(ctx, mac)
}

// discoverDBus calls org.bluez.Device1.GetServiceRecords (BlueZ >= 5.66)
// and parses the returned SDP record XML blobs.
func (d *Discoverer) discoverDBus(ctx context.Context, mac string) ([]model.ClassicServiceRecord, error) {
	path := ipc.DeviceObjectPath(d.adapterPath, mac)

	var recs []model.ClassicServiceRecord
	err := reliability.Guard(ctx, d.metrics, reliability.OpSDP, func(cctx context.Context) error {
		h, err := d.pool.WithBus(cctx)
		if err != nil {
			return err
		}
		defer h.Release()

		obj := h.Conn().Object(ipc.BusService, path)
		var raw [][]byte
		call := obj.CallWithContext(cctx, deviceIface+".GetServiceRecords", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("GetServiceRecords", call.Err)
		}
		if err := call.Store(&raw); err != nil {
			return bleeperr.Wrap(bleeperr.KindIntrospectionFailed, "GetServiceRecords decode", err)
		}
		now := time.Now()
		for _, blob := range raw {
			rec, ok := parseSDPRecordXML(blob)
			if ok {
				rec.Timestamp = now
				recs = append(recs, rec)
			}
		}
		return nil
	})
	return recs, err
}

// sdpXMLRecord mirrors the subset of BlueZ's SDP record XML this reads:
// a flat list of <attribute id="0x...">...</attribute> elements.
type sdpXMLRecord struct {
	XMLName    xml.Name `xml:"record"`
	Attributes []struct {
		ID       string `xml:"id,attr"`
		Text     string `xml:"text,attr"`
		Sequence struct {
			UUID []struct {
				Value string `xml:"value,attr"`
			} `xml:"uuid"`
			UInt8 []struct {
				Value string `xml:"value,attr"`
			} `xml:"uint8"`
			UInt16 []struct {
				Value string `xml:"value,attr"`
			} `xml:"uint16"`
		} `xml:"sequence"`
	} `xml:"attribute"`
}

// parseSDPRecordXML extracts name (attribute 0x0100), service UUID
// (0x0003), and RFCOMM channel (0x0004's ProtocolDescriptorList, looking
// for the RFCOMM protocol UUID ending "0003"), following the attribute IDs
// channel lives under attribute 0x0004's protocol descriptor list.
func parseSDPRecordXML(blob []byte) (model.ClassicServiceRecord, bool) {
	var rec sdpXMLRecord
	if err := xml.Unmarshal(blob, &rec); err != nil {
		return model.ClassicServiceRecord{}, false
	}

	var out model.ClassicServiceRecord
	found := false
	for _, attr := range rec.Attributes {
		switch attr.ID {
		case "0x0100":
			out.Name = attr.Text
			found = true
		case "0x0003":
			if len(attr.Sequence.UUID) > 0 {
				out.UUID = attr.Sequence.UUID[0].Value
				found = true
			}
		case "0x0004":
			if ch := rfcommChannelFromProtocolList(blob); ch != nil {
				out.RFCOMMChannel = ch
				found = true
			}
		}
	}
	return out, found
}

var rfcommProtoRE = regexp.MustCompile(`(?s)0003.*?uint8 value="(0x[0-9a-fA-F]+|\d+)"`)

// rfcommChannelFromProtocolList scans the raw record XML for the RFCOMM
// protocol entry (UUID ending "0003") and the uint8 channel number that
// follows it in the same protocol descriptor sequence.
func rfcommChannelFromProtocolList(blob []byte) *uint8 {
	m := rfcommProtoRE.FindSubmatch(blob)
	if m == nil {
		return nil
	}
	s := string(m[1])
	base := 10
	if strings.HasPrefix(s, "0x") {
		s, base = s[2:], 16
	}
	n, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return nil
	}
	v := uint8(n)
	return &v
}

// discoverSdptool shells out to sdptool (bluez-utils) when BlueZ's native
// GetServiceRecords path produces nothing, parsing the tool's
// "browse --tree" then "records" fallback order.
func (d *Discoverer) discoverSdptool(ctx context.Context, mac string) ([]model.ClassicServiceRecord, error) {
	path, err := exec.LookPath("sdptool")
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindNotSupported, "sdptool not found", err)
	}

	attempts := [][]string{
		{"browse", "--tree", mac},
		{"records", mac},
	}

	var lastErr error
	for _, args := range attempts {
		cctx, cancel := context.WithTimeout(ctx, reliability.TimeoutFor(reliability.OpSDP)*2)
		cmd := exec.CommandContext(cctx, path, args...)
		out, runErr := cmd.Output()
		cancel()
		if runErr != nil {
			lastErr = runErr
			continue
		}
		recs := parseSdptoolOutput(string(out))
		if len(recs) > 0 {
			return recs, nil
		}
		lastErr = bleeperr.New(bleeperr.KindUnknown, "no sdp records parsed")
	}
	return nil, bleeperr.Wrap(bleeperr.KindDeviceUnreachable, "sdptool", lastErr)
}

var (
	svcNameRE  = regexp.MustCompile(`(?m)^Service Name:\s*(.*)$`)
	uuid128RE  = regexp.MustCompile(`UUID.*?([0-9a-fA-F-]{36})`)
	uuid16RE   = regexp.MustCompile(`\(0x([0-9A-Fa-f]{4})\)`)
	channelRE  = regexp.MustCompile(`Channel(?:/Port)?[^:]*:\s*(0x[0-9A-Fa-f]+|\d+)`)
)

// parseSdptoolOutput extracts (name, uuid, channel) triples from one
// blank-line-delimited block of sdptool text at a time, the Go equivalent
// per record.
func parseSdptoolOutput(raw string) []model.ClassicServiceRecord {
	blocks := strings.Split(raw, "\n\n")
	now := time.Now()
	var out []model.ClassicServiceRecord
	for _, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		rec := model.ClassicServiceRecord{Timestamp: now, Description: strings.TrimSpace(block)}
		if m := svcNameRE.FindStringSubmatch(block); m != nil {
			rec.Name = strings.TrimSpace(m[1])
		}
		if m := uuid128RE.FindStringSubmatch(block); m != nil {
			rec.UUID = strings.ToLower(m[1])
		} else if m := uuid16RE.FindStringSubmatch(block); m != nil {
			rec.UUID = "0x" + strings.ToLower(m[1])
		}
		if m := channelRE.FindStringSubmatch(block); m != nil {
			base := 10
			s := m[1]
			if strings.HasPrefix(s, "0x") {
				base = 16
				s = s[2:]
			}
			if n, err := strconv.ParseUint(s, base, 8); err == nil {
				v := uint8(n)
				rec.RFCOMMChannel = &v
			}
		}
		if rec.Name == "" && rec.UUID == "" && rec.RFCOMMChannel == nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}
