// Package signalrouter implements the signal filter/action pipeline:
// every GATT read/write/notify and adapter/device property change can be
// routed, by declared filters, to an ordered list of actions (log,
// persist, forward, invoke a registered callback). Route sets live in
// named JSON documents that can be saved, loaded, renamed and deleted.
package signalrouter

import (
	"regexp"
	"strings"
)

// SignalType is the kind of event a Filter can match, mirroring
// the persisted config's signal_type field.
type SignalType string

const (
	SignalNotification   SignalType = "notification"
	SignalIndication     SignalType = "indication"
	SignalPropertyChange SignalType = "property_change"
	SignalRead           SignalType = "read"
	SignalWrite          SignalType = "write"
	SignalAny            SignalType = "any"
)

// Signal is one event offered to the router for matching and dispatch.
type Signal struct {
	Type        SignalType
	Path        string
	Interface   string
	PropertyName string
	Value       []byte
	DeviceMAC   string
	ServiceUUID string
	CharUUID    string
}

// Filter is a set of AND-combined match criteria, mirroring
// the persisted config's filter document. Zero-value fields are wildcards.
type Filter struct {
	SignalType     SignalType `json:"signal_type,omitempty"`
	DeviceMAC      string     `json:"device,omitempty"`
	ServiceUUID    string     `json:"service_uuid,omitempty"`
	CharUUID       string     `json:"char_uuid,omitempty"`
	PathPattern    string     `json:"path_pattern,omitempty"`
	PropertyName   string     `json:"property_name,omitempty"`
	ValuePattern   string     `json:"value_pattern,omitempty"`
	MinValueLength int        `json:"min_length,omitempty"`
	MaxValueLength int        `json:"max_length,omitempty"` // 0 means unbounded

	pathRegex  *regexp.Regexp
	valueRegex *regexp.Regexp
}

// Compile pre-compiles the filter's regex patterns. Callers that build a
// Filter by hand (rather than loading one from JSON) must call this once
// before Matches; LoadConfig does it automatically for loaded configs.
func (f *Filter) Compile() error {
	if f.PathPattern != "" {
		re, err := regexp.Compile(f.PathPattern)
		if err != nil {
			return err
		}
		f.pathRegex = re
	}
	if f.ValuePattern != "" {
		re, err := regexp.Compile(f.ValuePattern)
		if err != nil {
			return err
		}
		f.valueRegex = re
	}
	return nil
}

// Matches reports whether sig satisfies every criterion f sets, following
// the AND semantics of the filter document. A criterion is checked only when
// sig carries the field it tests: an empty DeviceMAC, ServiceUUID, CharUUID
// or PropertyName on sig, or a nil Value, passes the matching criteria.
func (f *Filter) Matches(sig Signal) bool {
	if f.SignalType != "" && f.SignalType != SignalAny && f.SignalType != sig.Type {
		return false
	}
	if f.DeviceMAC != "" && sig.DeviceMAC != "" && !strings.EqualFold(f.DeviceMAC, sig.DeviceMAC) {
		return false
	}
	if f.ServiceUUID != "" && sig.ServiceUUID != "" && !strings.EqualFold(f.ServiceUUID, sig.ServiceUUID) {
		return false
	}
	if f.CharUUID != "" && sig.CharUUID != "" && !strings.EqualFold(f.CharUUID, sig.CharUUID) {
		return false
	}
	if f.pathRegex != nil && !f.pathRegex.MatchString(sig.Path) {
		return false
	}
	if f.PropertyName != "" && sig.PropertyName != "" && f.PropertyName != sig.PropertyName {
		return false
	}
	if sig.Value != nil {
		if f.valueRegex != nil && !f.valueRegex.MatchString(string(sig.Value)) {
			return false
		}
		if f.MinValueLength > 0 && len(sig.Value) < f.MinValueLength {
			return false
		}
		if f.MaxValueLength > 0 && len(sig.Value) > f.MaxValueLength {
			return false
		}
	}
	return true
}
