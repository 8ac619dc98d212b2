package reliability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

// HealthEvent is one of the three events says the monitor
// publishes.
type HealthEvent int

const (
	EventStalled HealthEvent = iota
	EventRestarted
	EventAvailableChanged
)

// HealthListener receives HealthEvent notifications.
type HealthListener func(HealthEvent)

// HealthMonitor runs a periodic heartbeat (GetManagedObjects) against the
// IPC pool with exponential back-off while failing, publishing
// stalled/restarted/available-changed events to subscribers.
type HealthMonitor struct {
	pool    *ipc.Pool
	metrics *Metrics

	interval   time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	listeners []HealthListener
	available bool
	failing   int

	group singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor with a default 5s heartbeat interval
// and a 60s maximum back-off, matching the adapter's timer__default_time__ms
// scaled to a daemon health-check cadence.
func NewHealthMonitor(pool *ipc.Pool, metrics *Metrics) *HealthMonitor {
	return &HealthMonitor{
		pool:       pool,
		metrics:    metrics,
		interval:   5 * time.Second,
		maxBackoff: 60 * time.Second,
		available:  true,
	}
}

// Subscribe registers a listener for health events.
func (h *HealthMonitor) Subscribe(l HealthListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *HealthMonitor) emit(ev HealthEvent) {
	h.mu.Lock()
	ls := append([]HealthListener(nil), h.listeners...)
	h.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// Start runs the heartbeat loop until ctx is cancelled or Stop is called.
// It runs on its own goroutine, the "Health monitor thread"
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		backoff := h.interval
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			// singleflight collapses concurrent heartbeat triggers (e.g. a
			// manual health-check request racing the timer) into one call.
			_, err, _ := h.group.Do("heartbeat", func() (interface{}, error) {
				_, e := h.pool.GetManagedObjects(ctx)
				return nil, e
			})

			h.mu.Lock()
			wasAvailable := h.available
			restarted := false
			if err != nil {
				h.failing++
				h.available = false
			} else {
				restarted = h.failing > 0
				h.failing = 0
				h.available = true
			}
			nowAvailable := h.available
			h.mu.Unlock()

			if restarted {
				h.emit(EventRestarted)
			}

			if nowAvailable != wasAvailable {
				h.emit(EventAvailableChanged)
			}
			if err != nil {
				h.emit(EventStalled)
				backoff *= 2
				if backoff > h.maxBackoff {
					backoff = h.maxBackoff
				}
			} else {
				backoff = h.interval
			}
		}
	}()
}

// Stop halts the heartbeat loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

// Available reports the last-known bus availability.
func (h *HealthMonitor) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available
}
