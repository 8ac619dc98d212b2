package pairing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

func TestStateMachineHappyPath(t *testing.T) {
	var completed []Context
	m := NewMachine(Callbacks{
		OnComplete: func(c Context) { completed = append(completed, c) },
	})

	require.NoError(t, m.Begin("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "aa:bb:cc:dd:ee:ff", CapKeyboardDisplay, true))
	require.Equal(t, StateRequested, m.State())

	require.NoError(t, m.Transition(StateWaitingForInput))
	require.NoError(t, m.Transition(StateConfirming))
	require.NoError(t, m.Transition(StateBonding))
	require.NoError(t, m.Transition(StateComplete))

	require.Len(t, completed, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", completed[0].DeviceMAC)
	assert.True(t, m.State().Terminal())
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(Callbacks{})
	require.NoError(t, m.Begin("/dev", "aa:bb:cc:dd:ee:01", CapNoInputNoOutput, true))

	err := m.Transition(StateComplete) // Requested -> Complete skips Bonding
	require.Error(t, err)
	assert.Equal(t, bleeperr.KindInProgress, bleeperr.KindOf(err))
	assert.Equal(t, StateRequested, m.State())
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	var cancelled int
	m := NewMachine(Callbacks{OnCancelled: func(Context) { cancelled++ }})

	require.NoError(t, m.Begin("/dev", "aa:bb:cc:dd:ee:02", CapDisplayYesNo, false))
	require.NoError(t, m.Transition(StateWaitingForInput))

	m.Cancel()
	assert.Equal(t, StateCancelled, m.State())
	assert.Equal(t, 1, cancelled)

	// Cancel on a terminal state is a no-op.
	m.Cancel()
	assert.Equal(t, 1, cancelled)
}

func TestFailDoesNotClobberCancelled(t *testing.T) {
	m := NewMachine(Callbacks{})
	require.NoError(t, m.Begin("/dev", "aa:bb:cc:dd:ee:03", CapKeyboardOnly, true))
	m.Cancel()
	m.Fail(bleeperr.New(bleeperr.KindPairingFailed, "late error"))
	assert.Equal(t, StateCancelled, m.State())
}

func TestMachineResetAllowsNextAttempt(t *testing.T) {
	m := NewMachine(Callbacks{})
	require.NoError(t, m.Begin("/dev", "aa:bb:cc:dd:ee:04", CapKeyboardDisplay, true))
	require.NoError(t, m.Transition(StateBonding))
	require.NoError(t, m.Transition(StateComplete))

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Begin("/dev", "aa:bb:cc:dd:ee:04", CapKeyboardDisplay, true))
}

func TestParseCapability(t *testing.T) {
	for _, s := range []string{"NoInputNoOutput", "DisplayOnly", "DisplayYesNo", "KeyboardOnly", "KeyboardDisplay"} {
		c, err := ParseCapability(s)
		require.NoError(t, err)
		assert.Equal(t, Capability(s), c)
	}
	_, err := ParseCapability("Telepathy")
	require.Error(t, err)
	assert.Equal(t, bleeperr.KindInvalidArgs, bleeperr.KindOf(err))
}

func TestAutoAcceptIO(t *testing.T) {
	io := NewAutoAcceptIO()

	pin, err := io.RequestPinCode("aa:bb:cc:dd:ee:05")
	require.NoError(t, err)
	assert.Equal(t, "0000", pin)

	ok, err := io.RequestConfirmation("aa:bb:cc:dd:ee:05", 123456)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = io.AuthorizeService("aa:bb:cc:dd:ee:05", "0000110b-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCallbackIORejectsUnwiredPrompts(t *testing.T) {
	io := &CallbackIO{}
	_, err := io.RequestPinCode("dev")
	require.Error(t, err)
	assert.Equal(t, bleeperr.KindAuthenticationCancelled, bleeperr.KindOf(err))

	ok, err := io.RequestConfirmation("dev", 1)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestBondStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBondStore(dir)
	require.NoError(t, err)

	rec := BondRecord{
		MAC:         "AA:BB:CC:DD:EE:06",
		KeyMaterial: []byte{0x01, 0x02, 0x03, 0x04},
		Capability:  CapKeyboardDisplay,
	}
	require.NoError(t, bs.Save(rec))

	got, ok, err := bs.Load("aa:bb:cc:dd:ee:06")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:06", got.MAC)
	assert.Equal(t, rec.KeyMaterial, got.KeyMaterial)
	assert.Equal(t, CapKeyboardDisplay, got.Capability)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestBondStoreFilesAreEncrypted(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBondStore(dir)
	require.NoError(t, err)

	require.NoError(t, bs.Save(BondRecord{MAC: "aa:bb:cc:dd:ee:07", KeyMaterial: []byte("secret-ltk")}))

	blob, err := os.ReadFile(filepath.Join(dir, "aabbccddee07.dat"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "secret-ltk")
	assert.NotContains(t, string(blob), "aa:bb:cc:dd:ee:07")
}

func TestBondStoreUpdatePreservesCreatedAt(t *testing.T) {
	bs, err := OpenBondStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, bs.Save(BondRecord{MAC: "aa:bb:cc:dd:ee:08", KeyMaterial: []byte{1}}))
	first, ok, err := bs.Load("aa:bb:cc:dd:ee:08")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, bs.Save(BondRecord{MAC: "aa:bb:cc:dd:ee:08", KeyMaterial: []byte{2}}))
	second, ok, err := bs.Load("aa:bb:cc:dd:ee:08")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, []byte{2}, second.KeyMaterial)
}

func TestBondStoreListAndDelete(t *testing.T) {
	bs, err := OpenBondStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, bs.Save(BondRecord{MAC: "aa:bb:cc:dd:ee:09", KeyMaterial: []byte{1}}))
	require.NoError(t, bs.Save(BondRecord{MAC: "11:22:33:44:55:66", KeyMaterial: []byte{2}}))

	macs, err := bs.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aa:bb:cc:dd:ee:09", "11:22:33:44:55:66"}, macs)

	require.NoError(t, bs.Delete("aa:bb:cc:dd:ee:09"))
	_, ok, err := bs.Load("aa:bb:cc:dd:ee:09")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bs.Delete("aa:bb:cc:dd:ee:09")) // idempotent
}

func TestBondableCapabilities(t *testing.T) {
	assert.True(t, CapKeyboardDisplay.Bondable())
	assert.True(t, CapNoInputNoOutput.Bondable())
	assert.False(t, CapDisplayOnly.Bondable())
}
