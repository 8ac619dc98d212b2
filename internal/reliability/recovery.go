package reliability

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
)

// Stage is one step of the staged recovery pipeline
type Stage int

const (
	StageDisconnectReconnect Stage = iota + 1
	StageRecreateProxy
	StagePowerCycleAdapter
	StageResetController
	StageRestartDaemon
)

// StageAction performs one recovery stage for a device address. Each
// stage owns its own fallback and back-off; the pipeline is an explicit
// ordered list, not a chain of error handlers.
type StageAction func(ctx context.Context, pool *ipc.Pool, mac string) error

// Intent captures what the device layer wants restored once recovery
// succeeds (which characteristics were subscribed, whether the device was
// connected), preserved across stages.
type Intent struct {
	SubscribedChars []string
	Connected       bool
}

// RecoveryManager runs the five-stage pipeline with per-stage attempt
// caps and back-off timers.
type RecoveryManager struct {
	adapterPath string

	mu       sync.Mutex
	attempts map[string]map[Stage]int
	lastRun  map[string]map[Stage]time.Time

	maxAttempts map[Stage]int
	stageDelay  map[Stage]time.Duration

	intents map[string]Intent

	// Reconnect is supplied by the device layer (internal/gatt) so the
	// reliability package stays free of a dependency on it; it performs
	// the actual disconnect+reconnect D-Bus calls.
	Reconnect func(ctx context.Context, mac string) error
}

// NewRecoveryManager builds a RecoveryManager with attempt caps that
// shrink as the stages get more disruptive (3/2/1/1/1).
func NewRecoveryManager(adapterPath string) *RecoveryManager {
	return &RecoveryManager{
		adapterPath: adapterPath,
		attempts:    make(map[string]map[Stage]int),
		lastRun:     make(map[string]map[Stage]time.Time),
		intents:     make(map[string]Intent),
		maxAttempts: map[Stage]int{
			StageDisconnectReconnect: 3,
			StageRecreateProxy:       2,
			StagePowerCycleAdapter:   1,
			StageResetController:     1,
			StageRestartDaemon:       1,
		},
		stageDelay: map[Stage]time.Duration{
			StageDisconnectReconnect: time.Second,
			StageRecreateProxy:       2 * time.Second,
			StagePowerCycleAdapter:   3 * time.Second,
			StageResetController:     5 * time.Second,
			StageRestartDaemon:       8 * time.Second,
		},
	}
}

// SaveIntent records what should be restored after recovery succeeds.
func (r *RecoveryManager) SaveIntent(mac string, in Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[mac] = in
}

// Intent returns the saved intent for mac, if any.
func (r *RecoveryManager) Intent(mac string) (Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[mac]
	return in, ok
}

func (r *RecoveryManager) canRun(mac string, stage Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts[mac] == nil {
		r.attempts[mac] = make(map[Stage]int)
	}
	return r.attempts[mac][stage] < r.maxAttempts[stage]
}

func (r *RecoveryManager) recordAttempt(mac string, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts[mac] == nil {
		r.attempts[mac] = make(map[Stage]int)
	}
	r.attempts[mac][stage]++
}

// ResetAttempts clears the attempt counters for mac, called once recovery
// succeeds so a later unrelated failure starts from stage 1 again.
func (r *RecoveryManager) ResetAttempts(mac string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, mac)
}

// Recover runs the five recovery stages in order for mac, stopping at the
// first that succeeds. The disconnect/reconnect stage delegates to
// r.Reconnect; the proxy-recreate stage drops the device path's cached
// proxies with pool.InvalidatePath and then calls r.Reconnect; pool is also
// used for the adapter power-cycle stage.
func (r *RecoveryManager) Recover(ctx context.Context, pool *ipc.Pool, mac string) error {
	stages := []struct {
		stage  Stage
		action StageAction
	}{
		{StageDisconnectReconnect, r.stageDisconnectReconnect},
		{StageRecreateProxy, r.stageRecreateProxy},
		{StagePowerCycleAdapter, r.stagePowerCycleAdapter},
		{StageResetController, r.stageResetController},
		{StageRestartDaemon, r.stageRestartDaemon},
	}

	var lastErr error
	for _, s := range stages {
		if !r.canRun(mac, s.stage) {
			continue
		}
		time.Sleep(r.stageDelay[s.stage])
		r.recordAttempt(mac, s.stage)
		if err := s.action(ctx, pool, mac); err != nil {
			lastErr = err
			continue
		}
		r.ResetAttempts(mac)
		return nil
	}
	if lastErr == nil {
		lastErr = bleeperr.New(bleeperr.KindDeviceUnreachable, mac)
	}
	return bleeperr.Wrap(bleeperr.KindDeviceUnreachable, mac, lastErr)
}

func (r *RecoveryManager) stageDisconnectReconnect(ctx context.Context, pool *ipc.Pool, mac string) error {
	if r.Reconnect == nil {
		return bleeperr.New(bleeperr.KindNotSupported, "no reconnect hook")
	}
	return r.Reconnect(ctx, mac)
}

func (r *RecoveryManager) stageRecreateProxy(ctx context.Context, pool *ipc.Pool, mac string) error {
	pool.InvalidatePath(ipc.DeviceObjectPath(r.adapterPath, mac))
	if r.Reconnect == nil {
		return bleeperr.New(bleeperr.KindNotSupported, "no reconnect hook")
	}
	return r.Reconnect(ctx, mac)
}

func (r *RecoveryManager) stagePowerCycleAdapter(ctx context.Context, pool *ipc.Pool, mac string) error {
	h, err := pool.WithBus(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	const adapterIface = "org.bluez.Adapter1"
	if err := pool.SetProperty(ctx, h, ipc.BusService, adapterPathObj(r.adapterPath), adapterIface, "Powered", false); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return pool.SetProperty(ctx, h, ipc.BusService, adapterPathObj(r.adapterPath), adapterIface, "Powered", true)
}

func (r *RecoveryManager) stageResetController(ctx context.Context, pool *ipc.Pool, mac string) error {
	return runSystemCommand(ctx, "hciconfig", adapterHciName(r.adapterPath), "reset")
}

func (r *RecoveryManager) stageRestartDaemon(ctx context.Context, pool *ipc.Pool, mac string) error {
	return runSystemCommand(ctx, "systemctl", "restart", "bluetooth.service")
}

func runSystemCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		return bleeperr.Wrap(bleeperr.KindDeviceUnreachable, name, err)
	}
	return nil
}
