package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

func TestTimeoutForFallsBackToDefault(t *testing.T) {
	assert.Equal(t, 15*time.Second, TimeoutFor(OpConnect))
	assert.Equal(t, 30*time.Second, TimeoutFor(OpPair))
	assert.Equal(t, DefaultTimeouts[OpDefault], TimeoutFor(Op("no-such-op")))
}

func TestGuardPassesThroughSuccess(t *testing.T) {
	m := NewMetrics()
	err := Guard(context.Background(), m, OpRead, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	stats := m.Snapshot(string(OpRead))
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 0.0, stats.ErrorRate)
}

func TestGuardTranslatesDeadlineToOperationTimeout(t *testing.T) {
	m := NewMetrics()
	prev := DefaultTimeouts[OpNotifyStop]
	DefaultTimeouts[OpNotifyStop] = 20 * time.Millisecond
	defer func() { DefaultTimeouts[OpNotifyStop] = prev }()

	err := Guard(context.Background(), m, OpNotifyStop, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, bleeperr.KindOperationTimeout, bleeperr.KindOf(err))
}

func TestGuardPreservesTypedErrors(t *testing.T) {
	m := NewMetrics()
	want := bleeperr.New(bleeperr.KindNotAuthorized, "read denied")
	err := Guard(context.Background(), m, OpRead, func(ctx context.Context) error {
		return want
	})
	require.Error(t, err)
	assert.Equal(t, bleeperr.KindNotAuthorized, bleeperr.KindOf(err))
}

func TestMetricsSnapshotPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= 100; i++ {
		m.Record("op", time.Duration(i)*time.Millisecond, false)
	}
	stats := m.Snapshot("op")
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.InDelta(t, float64(95*time.Millisecond), float64(stats.P95), float64(2*time.Millisecond))
	assert.Equal(t, 0.0, stats.ErrorRate)
}

func TestMetricsErrorRate(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 8; i++ {
		m.Record("flaky", time.Millisecond, false)
	}
	m.Record("flaky", time.Millisecond, true)
	m.Record("flaky", time.Millisecond, true)

	stats := m.Snapshot("flaky")
	assert.InDelta(t, 0.2, stats.ErrorRate, 0.001)
}

func TestDetectIssuesFlagsSlowAndFailing(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.Record("slow", time.Second, false)
		m.Record("fine", time.Millisecond, false)
	}
	for i := 0; i < 10; i++ {
		m.Record("failing", time.Millisecond, i%2 == 0)
	}

	issues := m.DetectIssues(100*time.Millisecond, 0.25)
	var ops []string
	for _, iss := range issues {
		ops = append(ops, iss.Operation)
	}
	assert.Contains(t, ops, "slow")
	assert.Contains(t, ops, "failing")
	assert.NotContains(t, ops, "fine")
}

func TestRecoveryAttemptCaps(t *testing.T) {
	r := NewRecoveryManager("/org/bluez/hci0")
	mac := "aa:bb:cc:dd:ee:40"

	limit := r.maxAttempts[StageDisconnectReconnect]
	require.Greater(t, limit, 0)
	for i := 0; i < limit; i++ {
		assert.True(t, r.canRun(mac, StageDisconnectReconnect))
		r.recordAttempt(mac, StageDisconnectReconnect)
	}
	assert.False(t, r.canRun(mac, StageDisconnectReconnect))

	r.ResetAttempts(mac)
	assert.True(t, r.canRun(mac, StageDisconnectReconnect))
}

func TestRecoveryIntentRoundTrip(t *testing.T) {
	r := NewRecoveryManager("/org/bluez/hci0")
	mac := "aa:bb:cc:dd:ee:41"

	_, ok := r.Intent(mac)
	assert.False(t, ok)

	r.SaveIntent(mac, Intent{SubscribedChars: []string{"2a19"}, Connected: true})
	in, ok := r.Intent(mac)
	require.True(t, ok)
	assert.Equal(t, []string{"2a19"}, in.SubscribedChars)
	assert.True(t, in.Connected)
}

func TestRecoveryReconnectStageUsesInjectedHook(t *testing.T) {
	r := NewRecoveryManager("/org/bluez/hci0")
	called := ""
	r.Reconnect = func(ctx context.Context, mac string) error {
		called = mac
		return nil
	}
	err := r.stageDisconnectReconnect(context.Background(), nil, "aa:bb:cc:dd:ee:42")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:42", called)
}

func TestRecoveryReconnectStageWithoutHookFails(t *testing.T) {
	r := NewRecoveryManager("/org/bluez/hci0")
	err := r.stageDisconnectReconnect(context.Background(), nil, "aa:bb:cc:dd:ee:43")
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
