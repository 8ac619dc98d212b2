package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayloadSpecByteRange(t *testing.T) {
	ps, err := ParsePayloadSpec("0x00-0x02")
	require.NoError(t, err)
	require.Len(t, ps, 3)
	assert.Equal(t, []byte{0x00}, ps[0].Bytes)
	assert.Equal(t, []byte{0x01}, ps[1].Bytes)
	assert.Equal(t, []byte{0x02}, ps[2].Bytes)
}

func TestParsePayloadSpecAlt(t *testing.T) {
	ps, err := ParsePayloadSpec("alt")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, []byte{0x55, 0xAA}, ps[0].Bytes)
}

func TestParsePayloadSpecRepeat(t *testing.T) {
	ps, err := ParsePayloadSpec("repeat:0xAB:4")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, ps[0].Bytes)
}

func TestParsePayloadSpecHex(t *testing.T) {
	ps, err := ParsePayloadSpec("hex:deadbeef")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, ps[0].Bytes)
}

func TestParsePayloadSpecInvalid(t *testing.T) {
	_, err := ParsePayloadSpec("nonsense")
	assert.Error(t, err)
}

func TestNormalizeWritePayloadHex(t *testing.T) {
	assert.Equal(t, []byte{0xde, 0xad}, NormalizeWritePayload("dead"))
}

func TestNormalizeWritePayloadInteger(t *testing.T) {
	assert.Equal(t, []byte{0x01}, NormalizeWritePayload("1"))
	assert.Equal(t, []byte{0x01, 0x00}, NormalizeWritePayload("256"))
}

func TestNormalizeWritePayloadASCIIFallback(t *testing.T) {
	assert.Equal(t, []byte("hello"), NormalizeWritePayload("hello"))
}

func TestHandleFromPathParsesHexSuffix(t *testing.T) {
	// BlueZ encodes the handle in hex: char002d is handle 0x2d, not 2d
	// read as decimal.
	assert.Equal(t, uint16(0x2d), handleFromPath("/org/bluez/hci0/dev_AA/service0010/char002d"))
	assert.Equal(t, uint16(0x31), handleFromPath("/org/bluez/hci0/dev_AA/service0010/char0031"))
	assert.Equal(t, uint16(0x4b), handleFromPath("/org/bluez/hci0/dev_AA/service0010/char004b"))
}

func TestHandleFromPathAbsentOrMalformed(t *testing.T) {
	assert.Equal(t, uint16(0), handleFromPath("/org/bluez/hci0/dev_AA/service0010"))
	assert.Equal(t, uint16(0), handleFromPath("/org/bluez/hci0/dev_AA/service0010/char00zz"))
}
