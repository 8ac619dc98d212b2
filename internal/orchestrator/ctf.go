package orchestrator

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/gatt"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
)

// ctfFlagChars maps flag labels to the characteristic path suffix BlueZ
// assigns on the BLE CTF peripheral (the handle in hex). The labels match
// the published write-ups so results stay recognizable.
var ctfFlagChars = map[string]string{
	"Flag-02": "char002d",
	"Flag-03": "char002f",
	"Flag-04": "char0015",
	"Flag-05": "char0031",
	"Flag-06": "char0033",
	"Flag-07": "char0035",
	"Flag-08": "char0037",
	"Flag-09": "char003b",
	"Flag-10": "char003d",
	"Flag-11": "char003f",
	"Flag-12": "char0041",
	"Flag-13": "char0045",
	"Flag-14": "char0047",
	"Flag-15": "char004b",
	"Flag-16": "char004d",
	"Flag-17": "char0049",
	"Flag-18": "char0051",
	"Flag-19": "char0053",
	"Flag-20": "char0055",
}

const (
	ctfScoreChar  = "char0029"
	ctfSubmitChar = "char002b"

	// ctfConfidenceThreshold gates which read values get submitted as
	// flag candidates.
	ctfConfidenceThreshold = 0.75
)

var charNameRx = regexp.MustCompile(`^char([0-9a-f]{4})$`)

// handleFromCharName extracts the numeric handle from a charXXXX label.
func handleFromCharName(name string) (uint16, bool) {
	m := charNameRx.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

var md5Rx = regexp.MustCompile(`^[a-f0-9]{32}$`)

// flagConfidence scores how flag-like a read value is: the CTF's flags are
// md5-style hex strings, so an exact 32-hex match scores near-certain and
// plain printable text scores by length.
func flagConfidence(value []byte) float64 {
	s := strings.TrimSpace(strings.TrimRight(string(value), "\x00"))
	if s == "" {
		return 0
	}
	if md5Rx.MatchString(strings.ToLower(s)) {
		return 0.95
	}
	printable := true
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			printable = false
			break
		}
	}
	switch {
	case printable && len(s) >= 16:
		return 0.6
	case printable:
		return 0.3
	default:
		return 0.1
	}
}

// CTFFlag is one flag attempt's outcome.
type CTFFlag struct {
	Label      string
	CharName   string
	UUID       string
	Value      []byte
	Confidence float64
	Submitted  bool
	Err        error
}

// CTFResult is the outcome of a full CTF pass.
type CTFResult struct {
	MAC        string
	ScoreStart string
	ScoreEnd   string
	Flags      []CTFFlag
}

func findCharByHandle(d *model.Device, handle uint16) (string, bool) {
	d.RLock()
	defer d.RUnlock()
	for _, svc := range d.Services {
		for _, chr := range svc.Characteristics {
			if chr.Handle == handle {
				return chr.UUID, true
			}
		}
	}
	return "", false
}

// SolveCTF connects to the BLE CTF peripheral at mac, reads each flag
// characteristic, and submits every value that clears the confidence
// threshold to the submit characteristic. Returns the before/after scores
// and the per-flag outcomes.
func (o *Orchestrator) SolveCTF(ctx context.Context, mac string, events <-chan ipc.Event) (*CTFResult, error) {
	mac = model.NormalizeMAC(mac)
	if mac == "" {
		return nil, bleeperr.New(bleeperr.KindInvalidArgs, "ctf: no target set")
	}

	d := o.Device(mac)
	path := ipc.DeviceObjectPath(string(o.deps.Adapter.Path()), mac)
	session := gatt.NewSession(o.deps.Pool, o.deps.Metrics, path, d)
	sink := o.historySink(ctx, mac)

	if _, err := session.ConnectAndEnumerate(ctx, events, gatt.EnumOptions{Variant: gatt.EnumNaggy}, sink); err != nil {
		return nil, err
	}
	defer session.Disconnect(context.Background())
	o.persistTree(ctx, mac, d)

	res := &CTFResult{MAC: mac}

	readByCharName := func(name string) ([]byte, error) {
		handle, ok := handleFromCharName(name)
		if !ok {
			return nil, bleeperr.New(bleeperr.KindInvalidArgs, "ctf char label: "+name)
		}
		uuid, ok := findCharByHandle(d, handle)
		if !ok {
			return nil, bleeperr.New(bleeperr.KindUnknownObject, "ctf char not resolved: "+name)
		}
		return session.ReadCharacteristic(ctx, uuid, sink)
	}

	if score, err := readByCharName(ctfScoreChar); err == nil {
		res.ScoreStart = strings.TrimSpace(string(score))
	}

	submitHandle, _ := handleFromCharName(ctfSubmitChar)
	submitUUID, haveSubmit := findCharByHandle(d, submitHandle)

	labels := make([]string, 0, len(ctfFlagChars))
	for label := range ctfFlagChars {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		if ctx.Err() != nil {
			break
		}
		flag := CTFFlag{Label: label, CharName: ctfFlagChars[label]}
		value, err := readByCharName(flag.CharName)
		if err != nil {
			flag.Err = err
			res.Flags = append(res.Flags, flag)
			continue
		}
		if handle, ok := handleFromCharName(flag.CharName); ok {
			flag.UUID, _ = findCharByHandle(d, handle)
		}
		flag.Value = value
		flag.Confidence = flagConfidence(value)

		if haveSubmit && flag.Confidence >= ctfConfidenceThreshold {
			payload := []byte(strings.TrimSpace(strings.TrimRight(string(value), "\x00")))
			if len(payload) > 20 {
				payload = payload[:20]
			}
			if werr := session.WriteCharacteristic(ctx, submitUUID, payload, gatt.WriteWithResponse, sink); werr == nil {
				flag.Submitted = true
			} else {
				flag.Err = werr
			}
		}
		res.Flags = append(res.Flags, flag)
	}

	if score, err := readByCharName(ctfScoreChar); err == nil {
		res.ScoreEnd = strings.TrimSpace(string(score))
	}
	return res, nil
}
