package signalrouter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *Executor) {
	t.Helper()
	exec := NewExecutor(t.TempDir(), nil, nil)
	return NewRouter(exec, nil), exec
}

func TestFilterMatchesAllCriteriaANDed(t *testing.T) {
	f := Filter{
		SignalType:  SignalNotification,
		DeviceMAC:   "AA:BB:CC:DD:EE:01",
		ServiceUUID: "180f",
	}
	require.NoError(t, f.Compile())

	sig := Signal{
		Type:        SignalNotification,
		DeviceMAC:   "aa:bb:cc:dd:ee:01",
		ServiceUUID: "180F",
		Value:       []byte{0x64},
	}
	assert.True(t, f.Matches(sig))

	sig.Type = SignalRead
	assert.False(t, f.Matches(sig))
}

func TestFilterValueLengthBounds(t *testing.T) {
	f := Filter{MinValueLength: 2, MaxValueLength: 4}
	require.NoError(t, f.Compile())

	assert.False(t, f.Matches(Signal{Value: []byte{1}}))
	assert.True(t, f.Matches(Signal{Value: []byte{1, 2, 3}}))
	assert.False(t, f.Matches(Signal{Value: []byte{1, 2, 3, 4, 5}}))
}

func TestFilterValueRegex(t *testing.T) {
	f := Filter{ValuePattern: "^flag"}
	require.NoError(t, f.Compile())

	assert.True(t, f.Matches(Signal{Value: []byte("flag{x}")}))
	assert.False(t, f.Matches(Signal{Value: []byte("nope")}))
}

func TestRouterIsolationFailingActionDoesNotStopOthers(t *testing.T) {
	r, exec := newTestRouter(t)

	var calls []string
	exec.RegisterCallback("record", func(sig Signal, _ map[string]string) {
		calls = append(calls, "route2")
	})

	// Route 1's action names an unregistered callback and fails; route 1's
	// second action and route 2 must still run.
	exec.RegisterCallback("after-failure", func(sig Signal, _ map[string]string) {
		calls = append(calls, "route1-after")
	})
	r.AddRoute(Route{
		Name:    "failing",
		Enabled: true,
		Filter:  Filter{SignalType: SignalAny},
		Actions: []Action{
			{Type: ActionCallback, Name: "no-such-callback"},
			{Type: ActionCallback, Name: "after-failure"},
		},
	})
	r.AddRoute(Route{
		Name:    "second",
		Enabled: true,
		Filter:  Filter{SignalType: SignalAny},
		Actions: []Action{{Type: ActionCallback, Name: "record"}},
	})

	r.Dispatch(context.Background(), Signal{Type: SignalNotification})
	assert.Equal(t, []string{"route1-after", "route2"}, calls)
}

func TestRouterSkipsDisabledRoutes(t *testing.T) {
	r, exec := newTestRouter(t)

	called := false
	exec.RegisterCallback("never", func(Signal, map[string]string) { called = true })
	r.AddRoute(Route{
		Name:    "disabled",
		Enabled: false,
		Filter:  Filter{SignalType: SignalAny},
		Actions: []Action{{Type: ActionCallback, Name: "never"}},
	})

	r.Dispatch(context.Background(), Signal{Type: SignalRead})
	assert.False(t, called)
}

func TestRoutesRunInDeclarationOrder(t *testing.T) {
	r, exec := newTestRouter(t)

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		exec.RegisterCallback(name, func(Signal, map[string]string) { order = append(order, name) })
		r.AddRoute(Route{
			Name:    name,
			Enabled: true,
			Filter:  Filter{SignalType: SignalAny},
			Actions: []Action{{Type: ActionCallback, Name: name}},
		})
	}

	r.Dispatch(context.Background(), Signal{Type: SignalWrite})
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTransformRewritesBeforeSink(t *testing.T) {
	_, exec := newTestRouter(t)

	var got []byte
	exec.RegisterCallback("sink", func(sig Signal, _ map[string]string) { got = sig.Value })

	err := exec.Execute(context.Background(), Action{
		Type:       ActionTransform,
		Parameters: map[string]string{"op": "hex", "sink": "sink"},
	}, Signal{Value: []byte{0xde, 0xad}})
	require.NoError(t, err)
	assert.Equal(t, []byte("dead"), got)
}

func TestForwardDropsOnFullChannel(t *testing.T) {
	_, exec := newTestRouter(t)

	ch := make(chan Signal, 1)
	exec.SetForward(ch)

	require.NoError(t, exec.Execute(context.Background(), Action{Type: ActionForward}, Signal{}))
	err := exec.Execute(context.Background(), Action{Type: ActionForward}, Signal{})
	require.Error(t, err) // full channel reports the drop instead of blocking
}

func TestConfigSaveLoadRenameDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")

	cfg := NewConfig("hunt", "battery sniffing")
	cfg.AddRoute(Route{
		Name:    "battery",
		Enabled: true,
		Filter:  Filter{SignalType: SignalNotification, ServiceUUID: "180f", PathPattern: "dev_AA"},
		Actions: []Action{{Type: ActionSave, Parameters: map[string]string{"format": "json"}}},
	})
	require.NoError(t, SaveConfig(dir, cfg))

	loaded, err := LoadConfig(dir, "hunt")
	require.NoError(t, err)
	assert.Equal(t, "hunt", loaded.Name)
	require.Len(t, loaded.Routes, len(DefaultRoutes())+1)

	// The loaded filter must come back compiled.
	last := loaded.Routes[len(loaded.Routes)-1]
	assert.True(t, last.Filter.Matches(Signal{
		Type:  SignalNotification,
		Path:  "/org/bluez/hci0/dev_AA_BB",
		Value: []byte{0x64},
	}))

	require.NoError(t, RenameConfig(dir, "hunt", "hunt2"))
	names, err := ListConfigs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"hunt2"}, names)

	require.NoError(t, DeleteConfig(dir, "hunt2"))
	names, err = ListConfigs(dir)
	require.NoError(t, err)
	assert.Empty(t, names)
}
