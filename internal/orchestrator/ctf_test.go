package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mauddib28/bleep-tool/internal/model"
)

func TestHandleFromCharName(t *testing.T) {
	h, ok := handleFromCharName("char002d")
	require.True(t, ok)
	assert.Equal(t, uint16(0x2d), h)

	h, ok = handleFromCharName("CHAR0055")
	require.True(t, ok)
	assert.Equal(t, uint16(0x55), h)

	_, ok = handleFromCharName("Given")
	assert.False(t, ok)

	_, ok = handleFromCharName("char00zz")
	assert.False(t, ok)
}

func TestFlagConfidence(t *testing.T) {
	// md5-style hex is near-certain; a truncated 20-char hex string is only
	// "long printable".
	assert.Equal(t, 0.6, flagConfidence([]byte("d205303e099ceff44835")))
	assert.Equal(t, 0.95, flagConfidence([]byte("12345678901234567890123456789012")))
	assert.Equal(t, 0.95, flagConfidence([]byte("a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3")))

	// Long printable text is plausible.
	assert.Equal(t, 0.6, flagConfidence([]byte("this is a long flag value")))

	// Short printable is weak.
	assert.Equal(t, 0.3, flagConfidence([]byte("short")))

	// Binary junk is nearly nothing.
	assert.Equal(t, 0.1, flagConfidence([]byte{0x00, 0x01, 0xff, 0x02}))

	// Empty (or NUL padding only) is zero.
	assert.Equal(t, 0.0, flagConfidence(nil))
	assert.Equal(t, 0.0, flagConfidence([]byte{0x00, 0x00}))
}

func TestFlagConfidenceStripsNulPadding(t *testing.T) {
	padded := append([]byte("12345678901234567890123456789012"), 0x00, 0x00)
	assert.Equal(t, 0.95, flagConfidence(padded))
}

func TestFindCharByHandle(t *testing.T) {
	d := model.NewDevice("AA:BB:CC:DD:EE:20")
	svcIdx := d.UpsertService(model.Service{UUID: "0000ff00-0000-1000-8000-00805f9b34fb"})
	d.UpsertCharacteristic(svcIdx, model.Characteristic{
		UUID:   "0000ff01-0000-1000-8000-00805f9b34fb",
		Handle: 0x2d,
	})

	uuid, ok := findCharByHandle(d, 0x2d)
	require.True(t, ok)
	assert.Equal(t, "0000ff01-0000-1000-8000-00805f9b34fb", uuid)

	_, ok = findCharByHandle(d, 0x99)
	assert.False(t, ok)
}

func TestCTFFlagTableIsWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for label, char := range ctfFlagChars {
		_, ok := handleFromCharName(char)
		require.True(t, ok, "label %s has malformed char name %s", label, char)
		require.False(t, seen[char], "char %s mapped twice", char)
		seen[char] = true
	}
	_, ok := handleFromCharName(ctfScoreChar)
	require.True(t, ok)
	_, ok = handleFromCharName(ctfSubmitChar)
	require.True(t, ok)
}
