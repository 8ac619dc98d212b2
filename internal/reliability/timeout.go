// Package reliability applies uniform per-operation timeouts, a
// health-monitor heartbeat, latency/error-rate metrics, and the staged
// recovery pipeline across every IPC-backed operation. Suspension points
// all sit at IPC boundaries, so plain context.Context deadlines cover the
// whole surface.
package reliability

import (
	"context"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

// Op names the operation kinds that carry their own default timeout.
type Op string

const (
	OpConnect      Op = "connect"
	OpDisconnect   Op = "disconnect"
	OpPair         Op = "pair"
	OpGetProperty  Op = "get_property"
	OpSetProperty  Op = "set_property"
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpNotifyStart  Op = "notify_start"
	OpNotifyStop   Op = "notify_stop"
	OpSDP          Op = "sdp"
	OpRFCOMMOpen   Op = "rfcomm_open"
	OpPBAP         Op = "pbap"
	OpDefault      Op = "default"
)

// DefaultTimeouts is the per-operation budget table
var DefaultTimeouts = map[Op]time.Duration{
	OpConnect:     15 * time.Second,
	OpDisconnect:  5 * time.Second,
	OpPair:        30 * time.Second,
	OpGetProperty: 5 * time.Second,
	OpSetProperty: 5 * time.Second,
	OpRead:        10 * time.Second,
	OpWrite:       10 * time.Second,
	OpNotifyStart: 5 * time.Second,
	OpNotifyStop:  5 * time.Second,
	OpSDP:         13 * time.Second,
	OpRFCOMMOpen:  10 * time.Second,
	OpPBAP:        30 * time.Second,
	OpDefault:     10 * time.Second,
}

// TimeoutFor returns the configured budget for op, falling back to
// OpDefault.
func TimeoutFor(op Op) time.Duration {
	if d, ok := DefaultTimeouts[op]; ok {
		return d
	}
	return DefaultTimeouts[OpDefault]
}

// Guard wraps fn with op's timeout budget, recording a metric sample and
// translating context.DeadlineExceeded into bleeperr.KindOperationTimeout.
// It is the uniform wrapper the adapter, GATT, classic and pairing layers
// route their IPC-backed calls through; the health heartbeat and the
// recovery stages call the pool directly.
func Guard(ctx context.Context, m *Metrics, op Op, fn func(ctx context.Context) error) error {
	budget := TimeoutFor(op)
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(cctx) }()

	select {
	case err := <-errCh:
		m.Record(string(op), time.Since(start), err != nil)
		if err != nil {
			if cctx.Err() == context.DeadlineExceeded {
				return bleeperr.Wrap(bleeperr.KindOperationTimeout, string(op), err)
			}
			return err
		}
		return nil
	case <-cctx.Done():
		m.Record(string(op), time.Since(start), true)
		return bleeperr.New(bleeperr.KindOperationTimeout, string(op))
	}
}
