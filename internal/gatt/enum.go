package gatt

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

// EnumVariant names one of the four enumeration policies layered on the
// shared resolve/read/write kernel.
type EnumVariant string

const (
	EnumPassive EnumVariant = "passive"
	EnumNaggy   EnumVariant = "naggy"
	EnumPokey   EnumVariant = "pokey"
	EnumBrute   EnumVariant = "brute"
)

// EnumOptions configures ConnectAndEnumerate.
type EnumOptions struct {
	Variant EnumVariant
	Force   bool // bypass landmine skip, brute variant only

	// BruteCharUUID/BrutePayloads/BruteVerify configure the brute variant's
	// write-probe phase; empty CharUUID means "every writable".
	BruteCharUUID string
	BrutePayloads []Payload
	BruteVerify   bool
}

// Mapping is the per-characteristic result of an enumeration pass, keyed by
// UUID (deterministic ordering is enforced by callers sorting the keys).
type Mapping struct {
	Services map[string][]string // service UUID -> characteristic UUIDs

	// Round-by-round values recorded by naggy (per "additionally:
	// per-round values, diffs").
	Rounds map[string][][]byte // char UUID -> one []byte per round

	// WriteProbeAccepted is pokey's "which writables accepted probes".
	WriteProbeAccepted map[string]bool

	// BruteResults is brute's per-payload write outcome.
	BruteResults []BruteResult
}

// BruteResult records one payload's write outcome and, if verify was
// requested, the read-back value.
type BruteResult struct {
	Payload      []byte
	OK           bool
	Err          error
	VerifiedRead []byte
	HasVerify    bool
}

// ConnectAndEnumerate connects, resolves, then runs the requested
// enumeration policy, returning the resolved mapping; the landmine and
// permission maps accumulate on s.Device.
func (s *Session) ConnectAndEnumerate(ctx context.Context, events <-chan ipc.Event, opts EnumOptions, sink HistorySink) (*Mapping, error) {
	if err := s.Connect(ctx, events); err != nil {
		return nil, err
	}
	if _, err := s.Resolve(ctx); err != nil {
		return nil, err
	}

	m := &Mapping{
		Services:           make(map[string][]string),
		Rounds:              make(map[string][][]byte),
		WriteProbeAccepted: make(map[string]bool),
	}
	s.Device.RLock()
	for _, svc := range s.Device.Services {
		uuids := make([]string, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			uuids = append(uuids, c.UUID)
		}
		sort.Strings(uuids)
		m.Services[svc.UUID] = uuids
	}
	s.Device.RUnlock()

	switch opts.Variant {
	case EnumPassive:
		s.enumPassive(ctx, m, sink)
	case EnumNaggy:
		s.enumNaggy(ctx, m, sink)
	case EnumPokey:
		s.enumNaggy(ctx, m, sink)
		s.enumPokeyWriteProbe(ctx, m, sink)
	case EnumBrute:
		if opts.BruteCharUUID != "" {
			res := s.BruteWriteRange(ctx, opts.BruteCharUUID, opts.BrutePayloads, opts.BruteVerify, opts.Force, sink)
			m.BruteResults = res
		} else {
			for _, charUUIDs := range m.Services {
				for _, uuid := range charUUIDs {
					if !s.isWritable(uuid) {
						continue
					}
					res := s.BruteWriteRange(ctx, uuid, opts.BrutePayloads, opts.BruteVerify, opts.Force, sink)
					m.BruteResults = append(m.BruteResults, res...)
				}
			}
		}
	}

	return m, nil
}

func (s *Session) isWritable(charUUID string) bool {
	s.Device.RLock()
	defer s.Device.RUnlock()
	for _, svc := range s.Device.Services {
		for _, c := range svc.Characteristics {
			if strings.EqualFold(c.UUID, charUUID) {
				return c.Flags.Write || c.Flags.WriteWithoutResp
			}
		}
	}
	return false
}

func (s *Session) allReadableUUIDs() []string {
	var out []string
	s.Device.RLock()
	for _, svc := range s.Device.Services {
		for _, c := range svc.Characteristics {
			if c.Flags.Read {
				out = append(out, c.UUID)
			}
		}
	}
	s.Device.RUnlock()
	sort.Strings(out)
	return out
}

// enumPassive: every readable once, never writes, one shot (marks
// landmine/permission on failure, does not retry).
func (s *Session) enumPassive(ctx context.Context, m *Mapping, sink HistorySink) {
	for _, uuid := range s.allReadableUUIDs() {
		if s.Device.IsLandmine(uuid) {
			continue
		}
		_, _ = s.ReadCharacteristic(ctx, uuid, sink)
	}
}

// enumNaggy: every readable across 3 rounds, retrying stubborn elements
// with exponential backoff until classified (read succeeds or is
// conclusively a landmine/permission wall).
func (s *Session) enumNaggy(ctx context.Context, m *Mapping, sink HistorySink) {
	const rounds = 3
	for round := 0; round < rounds; round++ {
		backoff := 50 * time.Millisecond
		for _, uuid := range s.allReadableUUIDs() {
			if s.Device.IsLandmine(uuid) {
				continue
			}
			var value []byte
			var err error
			for attempt := 0; attempt < 3; attempt++ {
				value, err = s.ReadCharacteristic(ctx, uuid, sink)
				if err == nil {
					break
				}
				kind := bleeperr.KindOf(err)
				if kind == bleeperr.KindNotAuthorized || kind == bleeperr.KindNotPermitted || kind == bleeperr.KindLandmineSkipped {
					break // classified: permission wall or landmine, stop retrying
				}
				time.Sleep(backoff)
				backoff *= 2
			}
			if err == nil {
				m.Rounds[strings.ToLower(uuid)] = append(m.Rounds[strings.ToLower(uuid)], value)
			}
		}
	}
}

// enumPokeyWriteProbe is pokey's second phase: after naggy's reads, probe
// every writable characteristic with a single 0x00 and 0x01 write,
// recording which accepted the probe.
func (s *Session) enumPokeyWriteProbe(ctx context.Context, m *Mapping, sink HistorySink) {
	for _, charUUIDs := range m.Services {
		for _, uuid := range charUUIDs {
			if !s.isWritable(uuid) || s.Device.IsLandmine(uuid) {
				continue
			}
			accepted := false
			for _, probe := range [][]byte{{0x00}, {0x01}} {
				if err := s.WriteCharacteristic(ctx, uuid, probe, WriteWithResponse, sink); err == nil {
					accepted = true
				}
			}
			m.WriteProbeAccepted[strings.ToLower(uuid)] = accepted
		}
	}
}

// MultiReadCharacteristic reads the same characteristic repeats times,
// returning one value per successful read in order.
func (s *Session) MultiReadCharacteristic(ctx context.Context, charUUID string, repeats int, sink HistorySink) ([][]byte, error) {
	out := make([][]byte, 0, repeats)
	for i := 0; i < repeats; i++ {
		v, err := s.ReadCharacteristic(ctx, charUUID, sink)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MultiReadAll reads every readable characteristic across the given
// number of rounds: deterministic ordering, results keyed by
// characteristic identifier.
func (s *Session) MultiReadAll(ctx context.Context, m *Mapping, rounds int, sink HistorySink) map[string][][]byte {
	out := make(map[string][][]byte)
	uuids := s.allReadableUUIDs()
	for round := 0; round < rounds; round++ {
		for _, uuid := range uuids {
			if s.Device.IsLandmine(uuid) {
				continue
			}
			v, err := s.ReadCharacteristic(ctx, uuid, sink)
			if err != nil {
				continue
			}
			key := strings.ToLower(uuid)
			out[key] = append(out[key], v)
		}
	}
	return out
}

// BruteWriteRange records (payload, result, optional verified read) for
// each payload; the landmine map is honored unless force=true.
func (s *Session) BruteWriteRange(ctx context.Context, charUUID string, payloads []Payload, verify, force bool, sink HistorySink) []BruteResult {
	if s.Device.IsLandmine(charUUID) && !force {
		return []BruteResult{{OK: false, Err: bleeperr.New(bleeperr.KindLandmineSkipped, charUUID)}}
	}

	results := make([]BruteResult, 0, len(payloads))
	for _, p := range payloads {
		r := BruteResult{Payload: p.Bytes}
		err := s.WriteCharacteristic(ctx, charUUID, p.Bytes, WriteWithResponse, sink)
		r.OK = err == nil
		r.Err = err
		if err == nil && verify {
			v, rerr := s.ReadCharacteristic(ctx, charUUID, sink)
			if rerr == nil {
				r.VerifiedRead = v
				r.HasVerify = true
			}
		}
		results = append(results, r)
	}
	return results
}

// Payload is one entry of a BruteWriteRange payload set.
type Payload struct {
	Bytes []byte
}

// ParsePayloadSpec expands a payload-set specification into concrete
// Payload values, supporting the forms names: a byte range
// "0x00-0xFF", and named patterns "ascii", "inc", "alt",
// "repeat:<byte>:<len>", "hex:<string>".
func ParsePayloadSpec(spec string) ([]Payload, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.Contains(spec, "-") && strings.HasPrefix(spec, "0x"):
		return parseByteRange(spec)
	case spec == "ascii":
		return asciiPayloads(), nil
	case spec == "inc":
		return incrementingPayloads(), nil
	case spec == "alt":
		return []Payload{{Bytes: []byte{0x55, 0xAA}}}, nil
	case strings.HasPrefix(spec, "repeat:"):
		return parseRepeat(spec)
	case strings.HasPrefix(spec, "hex:"):
		return parseHexList(spec)
	default:
		return nil, bleeperr.New(bleeperr.KindInvalidArgs, "payload spec: "+spec)
	}
}

func parseByteRange(spec string) ([]Payload, error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, bleeperr.New(bleeperr.KindInvalidArgs, "byte range: "+spec)
	}
	lo, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 8)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindInvalidArgs, "byte range lo", err)
	}
	hi, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 8)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindInvalidArgs, "byte range hi", err)
	}
	if hi < lo {
		return nil, bleeperr.New(bleeperr.KindInvalidArgs, "byte range: hi < lo")
	}
	out := make([]Payload, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, Payload{Bytes: []byte{byte(v)}})
	}
	return out, nil
}

func asciiPayloads() []Payload {
	out := make([]Payload, 0, 95)
	for c := byte(0x20); c < 0x7F; c++ {
		out = append(out, Payload{Bytes: []byte{c}})
	}
	return out
}

// incrementingPayloads builds the "inc" pattern: 256 two-byte payloads, each
// holding its index (0x00-0xFF) in both bytes, used to distinguish ordering
// in a response stream. The payloads carry no length prefix.
func incrementingPayloads() []Payload {
	out := make([]Payload, 0, 256)
	for i := 0; i < 256; i++ {
		out = append(out, Payload{Bytes: []byte{byte(i), byte(i)}})
	}
	return out
}

func parseRepeat(spec string) ([]Payload, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return nil, bleeperr.New(bleeperr.KindInvalidArgs, "repeat spec: "+spec)
	}
	b, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 8)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindInvalidArgs, "repeat byte", err)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 0 {
		return nil, bleeperr.Wrap(bleeperr.KindInvalidArgs, "repeat length", err)
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(b)
	}
	return []Payload{{Bytes: buf}}, nil
}

func parseHexList(spec string) ([]Payload, error) {
	hexStr := strings.TrimPrefix(spec, "hex:")
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindInvalidArgs, fmt.Sprintf("hex payload %q", hexStr), err)
	}
	return []Payload{{Bytes: b}}, nil
}
