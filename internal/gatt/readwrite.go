package gatt

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

// HistorySink receives every value the GATT engine produces so the caller
// (normally internal/orchestrator, wired through the signal router) can
// write it through to the observation store as a history row. Kept as a
// plain function value rather than an interface
// ("duck-typed signal callbacks... replace with a capability-typed callback
// object or an Action sum type").
type HistorySink func(svcUUID, charUUID string, ts time.Time, value []byte, source model.CharSource)

// locate resolves a characteristic UUID to its (service index, char index,
// D-Bus path), failing NotResolved if the device hasn't been walked yet.
func (s *Session) locate(ctx context.Context, charUUID string) (svcIdx, charIdx int, path dbus.ObjectPath, err error) {
	s.Device.RLock()
	for si := range s.Device.Services {
		if ci := s.Device.FindCharacteristicIndex(si, charUUID); ci >= 0 {
			svcIdx, charIdx = si, ci
			s.Device.RUnlock()
			path, err = s.findCharacteristicPath(ctx, charUUID)
			return svcIdx, charIdx, path, err
		}
	}
	s.Device.RUnlock()
	return 0, 0, "", bleeperr.New(bleeperr.KindNotResolved, charUUID)
}

// ReadCharacteristic enforces read permission
// hints, attempts without extra options first, falls back to an explicit
// empty-options call when the server rejects the no-args signature. On
// success it writes through history (source=read) via sink. It does not
// consult the landmine map: landmine honoring happens one level up, in the
// enumeration variants, which is where the "force" flag lives.
func (s *Session) ReadCharacteristic(ctx context.Context, charUUID string, sink HistorySink) ([]byte, error) {
	svcIdx, charIdx, path, err := s.locate(ctx, charUUID)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = reliability.Guard(ctx, s.metrics, reliability.OpRead, func(cctx context.Context) error {
		h, herr := s.pool.WithBus(cctx)
		if herr != nil {
			return herr
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, path)

		call := obj.CallWithContext(cctx, charIface+".ReadValue", 0)
		if call.Err != nil {
			// Servers that require the options-dict signature reject the
			// bare call. Retry once with an explicit empty options dict
			// before surfacing the error.
			call = obj.CallWithContext(cctx, charIface+".ReadValue", 0, map[string]dbus.Variant{})
			if call.Err != nil {
				return bleeperr.FromDBusError("ReadValue", call.Err)
			}
		}
		return call.Store(&value)
	})

	svc := s.Device.Services[svcIdx]
	if err != nil {
		kind := bleeperr.KindOf(err)
		if kind == bleeperr.KindNotAuthorized || kind == bleeperr.KindNotPermitted {
			s.Device.SetPermission(svcIdx, charIdx, "read", kind.String())
			return nil, err
		}
		if kind == bleeperr.KindControllerStall || kind == bleeperr.KindOperationTimeout {
			s.Device.MarkLandmine(charUUID)
		}
		return nil, err
	}

	now := time.Now()
	s.Device.SetCharacteristicValue(svcIdx, charIdx, value, now)
	if sink != nil {
		sink(svc.UUID, charUUID, now, value, model.SourceRead)
	}
	return value, nil
}

// WriteKind selects between write-with-response and write-without-response;
// the caller passes it with each write, and nothing derives it from the
// characteristic's property flags.
type WriteKind int

const (
	WriteWithResponse WriteKind = iota
	WriteWithoutResponse
)

// NormalizeWritePayload accepts hex, ASCII, or integer-decimal input and
// normalizes it to bytes.6 "Write: accepts hex, ASCII, or
// integer input normalised to bytes."
func NormalizeWritePayload(input string) []byte {
	trimmed := strings.TrimSpace(input)
	if b, err := hex.DecodeString(strings.TrimPrefix(trimmed, "0x")); err == nil && len(trimmed) > 0 && len(trimmed)%2 == 0 {
		return b
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return intToBytes(n)
	}
	return []byte(trimmed)
}

func intToBytes(n int64) []byte {
	if n >= 0 && n <= 0xFF {
		return []byte{byte(n)}
	}
	if n >= 0 && n <= 0xFFFF {
		return []byte{byte(n >> 8), byte(n)}
	}
	return []byte{
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	}
}

// WriteCharacteristic writes payload to the characteristic. kind picks
// WriteValue's "type" option between "request" (with response) and
// "command" (without); on a D-Bus signature failure it retries once with an
// explicit empty options dictionary, then records the write in history.
func (s *Session) WriteCharacteristic(ctx context.Context, charUUID string, payload []byte, kind WriteKind, sink HistorySink) error {
	svcIdx, charIdx, path, err := s.locate(ctx, charUUID)
	if err != nil {
		return err
	}
	if s.Device.IsLandmine(charUUID) {
		return bleeperr.New(bleeperr.KindLandmineSkipped, charUUID)
	}

	writeType := "request"
	if kind == WriteWithoutResponse {
		writeType = "command"
	}

	err = reliability.Guard(ctx, s.metrics, reliability.OpWrite, func(cctx context.Context) error {
		h, herr := s.pool.WithBus(cctx)
		if herr != nil {
			return herr
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, path)

		opts := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}
		call := obj.CallWithContext(cctx, charIface+".WriteValue", 0, payload, opts)
		if call.Err != nil {
			call = obj.CallWithContext(cctx, charIface+".WriteValue", 0, payload, map[string]dbus.Variant{})
			if call.Err != nil {
				return bleeperr.FromDBusError("WriteValue", call.Err)
			}
		}
		return nil
	})

	svc := s.Device.Services[svcIdx]
	if err != nil {
		k := bleeperr.KindOf(err)
		if k == bleeperr.KindNotAuthorized || k == bleeperr.KindNotPermitted {
			s.Device.SetPermission(svcIdx, charIdx, "write", k.String())
		}
		return err
	}

	now := time.Now()
	s.Device.SetCharacteristicValue(svcIdx, charIdx, payload, now)
	if sink != nil {
		sink(svc.UUID, charUUID, now, payload, model.SourceWrite)
	}
	return nil
}

// notifySub holds the cancel func that stops the goroutine of one active
// StartNotify subscription.
type notifySub struct {
	cancel context.CancelFunc
}

// StartNotify registers for value
// updates keyed by characteristic path and routes every update through
// sink with source=notification. Notifications are delivered in receipt
// order because events is a single ordered channel drained by
// one goroutine per characteristic.
func (s *Session) StartNotify(ctx context.Context, charUUID string, events <-chan ipc.Event, sink HistorySink) error {
	svcIdx, charIdx, path, err := s.locate(ctx, charUUID)
	if err != nil {
		return err
	}

	err = reliability.Guard(ctx, s.metrics, reliability.OpNotifyStart, func(cctx context.Context) error {
		h, herr := s.pool.WithBus(cctx)
		if herr != nil {
			return herr
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, path)
		call := obj.CallWithContext(cctx, charIface+".StartNotify", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("StartNotify", call.Err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	notifyCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.notifies == nil {
		s.notifies = make(map[string]notifySub)
	}
	s.notifies[strings.ToLower(charUUID)] = notifySub{cancel: cancel}
	s.mu.Unlock()
	s.Subscribed[strings.ToLower(charUUID)] = true

	svc := s.Device.Services[svcIdx]
	go func() {
		for {
			select {
			case <-notifyCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != ipc.SignalPropertiesChanged || ev.Path != path {
					continue
				}
				v, ok := ev.Changed["Value"]
				if !ok {
					continue
				}
				value, ok := v.Value().([]byte)
				if !ok {
					continue
				}
				now := time.Now()
				s.Device.SetCharacteristicValue(svcIdx, charIdx, value, now)
				if sink != nil {
					sink(svc.UUID, charUUID, now, value, model.SourceNotification)
				}
			}
		}
	}()
	return nil
}

// StopNotify unregisters the subscription and stops the
// per-characteristic goroutine.
func (s *Session) StopNotify(ctx context.Context, charUUID string) error {
	_, _, path, err := s.locate(ctx, charUUID)
	if err != nil {
		return err
	}

	key := strings.ToLower(charUUID)
	s.mu.Lock()
	sub, ok := s.notifies[key]
	if ok {
		sub.cancel()
		delete(s.notifies, key)
	}
	s.mu.Unlock()
	delete(s.Subscribed, key)

	return reliability.Guard(ctx, s.metrics, reliability.OpNotifyStop, func(cctx context.Context) error {
		h, herr := s.pool.WithBus(cctx)
		if herr != nil {
			return herr
		}
		defer h.Release()
		obj := h.Conn().Object(ipc.BusService, path)
		call := obj.CallWithContext(cctx, charIface+".StopNotify", 0)
		if call.Err != nil {
			return bleeperr.FromDBusError("StopNotify", call.Err)
		}
		return nil
	})
}
