package signalrouter

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

// ActionType is the kind of side effect an Action performs, mirroring
// the persisted config's action type field.
type ActionType string

const (
	ActionLog        ActionType = "log"
	ActionSave       ActionType = "save"
	ActionCallback   ActionType = "callback"
	ActionDBStore    ActionType = "db_store"
	ActionForward    ActionType = "forward"
	ActionTransform  ActionType = "transform"
)

// Action is one side effect a matched Route runs, mirroring
// the persisted config's action document.
type Action struct {
	Type       ActionType        `json:"type"`
	Name       string            `json:"name,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Callback is a registered handler an ActionCallback action invokes by
// name.
type Callback func(sig Signal, params map[string]string)

// Executor runs Actions against Signals, following
// bleep.signals.router.ActionExecutor one-to-one: per-format file save
// (csv/json), a named-callback registry, a forward channel, a value
// transform hook, and an optional observation-store sink. Exactly one
// Executor exists per Router; every method is safe for concurrent use.
type Executor struct {
	outputDir string
	store     *store.Store
	logs      *bleeplog.Set

	mu        sync.Mutex
	callbacks map[string]Callback
	forward   chan<- Signal
}

// NewExecutor builds an Executor that writes SAVE output under outputDir
// and DB_STORE rows through st (may be nil if persistence isn't wired).
func NewExecutor(outputDir string, st *store.Store, logs *bleeplog.Set) *Executor {
	return &Executor{
		outputDir: outputDir,
		store:     st,
		logs:      logs,
		callbacks: make(map[string]Callback),
	}
}

// RegisterCallback adds or replaces a named callback for ActionCallback.
func (e *Executor) RegisterCallback(name string, cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[name] = cb
}

// UnregisterCallback removes a named callback.
func (e *Executor) UnregisterCallback(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.callbacks, name)
}

// SetForward sets the channel ActionForward writes matched signals to.
// Forwarding never blocks the dispatcher: a full channel drops the signal
// (counted, not silently lost — see Router.DroppedForwards).
func (e *Executor) SetForward(ch chan<- Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forward = ch
}

// Execute runs one action against sig. An error inside one action must
// never prevent the rest of a route's actions (or other routes) from
// running — callers invoke Execute per-action so isolation happens at the
// call site.
func (e *Executor) Execute(ctx context.Context, action Action, sig Signal) error {
	switch action.Type {
	case ActionLog:
		return e.executeLog(action, sig)
	case ActionSave:
		return e.executeSave(action, sig)
	case ActionCallback:
		return e.executeCallback(action, sig)
	case ActionDBStore:
		return e.executeDBStore(ctx, sig)
	case ActionForward:
		return e.executeForward(sig)
	case ActionTransform:
		return e.executeTransform(action, sig)
	default:
		return fmt.Errorf("signalrouter: unknown action type %q", action.Type)
	}
}

func (e *Executor) executeLog(action Action, sig Signal) error {
	valueStr := hex.EncodeToString(sig.Value)
	if len(valueStr) > 100 {
		valueStr = valueStr[:97] + "..."
	}
	msg := fmt.Sprintf("[SIGNAL] %s on %s: %s", sig.Type, sig.Path, valueStr)
	if e.logs == nil {
		return nil
	}
	if action.Parameters["level"] == "debug" {
		logger := e.logs.Logger(bleeplog.Debug)
		logger.Debug().Msg(msg)
	} else {
		logger := e.logs.Logger(bleeplog.General)
		logger.Info().Msg(msg)
	}
	return nil
}

func (e *Executor) executeSave(action Action, sig Signal) error {
	format := action.Parameters["format"]
	if format == "" {
		format = "csv"
	}
	filename := action.Parameters["file"]
	if filename == "" {
		filename = fmt.Sprintf("signals_%s.%s", time.Now().Format("20060102"), format)
	}
	path := filepath.Join(e.outputDir, filename)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch format {
	case "json":
		return appendJSONLine(path, sig)
	default:
		return appendCSVRow(path, sig)
	}
}

func appendCSVRow(path string, sig Signal) error {
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if statErr != nil {
		if err := w.Write([]string{"timestamp", "type", "path", "device_mac", "value_hex"}); err != nil {
			return err
		}
	}
	row := []string{time.Now().UTC().Format(time.RFC3339), string(sig.Type), sig.Path, sig.DeviceMAC, hex.EncodeToString(sig.Value)}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func appendJSONLine(path string, sig Signal) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	rec := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"type":       sig.Type,
		"path":       sig.Path,
		"device_mac": sig.DeviceMAC,
		"value_hex":  hex.EncodeToString(sig.Value),
	}
	enc := json.NewEncoder(f)
	return enc.Encode(rec)
}

func (e *Executor) executeCallback(action Action, sig Signal) error {
	e.mu.Lock()
	cb, ok := e.callbacks[action.Name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("signalrouter: no callback registered as %q", action.Name)
	}
	cb(sig, action.Parameters)
	return nil
}

func (e *Executor) executeDBStore(ctx context.Context, sig Signal) error {
	if e.store == nil {
		return nil
	}
	return e.store.InsertCharHistory(ctx, sig.DeviceMAC, sig.ServiceUUID, sig.CharUUID, time.Now(), sig.Value, signalSource(sig.Type))
}

// signalSource maps a router SignalType onto the history source taxonomy
// internal/model/internal/store already define, so a
// DB_STORE action writes the same source tag the GATT engine itself would.
func signalSource(t SignalType) model.CharSource {
	switch t {
	case SignalRead:
		return model.SourceRead
	case SignalWrite:
		return model.SourceWrite
	case SignalNotification, SignalIndication:
		return model.SourceNotification
	default:
		return model.SourceUnknown
	}
}

func (e *Executor) executeForward(sig Signal) error {
	e.mu.Lock()
	ch := e.forward
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case ch <- sig:
	default:
		return fmt.Errorf("signalrouter: forward channel full, dropped signal for %s", sig.Path)
	}
	return nil
}

// executeTransform applies a declarative byte-slice transform
// (parameters["op"] = "hex" | "reverse") and re-dispatches the transformed
// value through the callback registered as parameters["sink"].
func (e *Executor) executeTransform(action Action, sig Signal) error {
	out := sig
	switch action.Parameters["op"] {
	case "reverse":
		rev := make([]byte, len(sig.Value))
		for i, b := range sig.Value {
			rev[len(sig.Value)-1-i] = b
		}
		out.Value = rev
	case "hex":
		out.Value = []byte(hex.EncodeToString(sig.Value))
	}
	sink := action.Parameters["sink"]
	if sink == "" {
		return nil
	}
	return e.executeCallback(Action{Name: sink}, out)
}
