package classic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBDAddrReversesOctetsToLittleEndian(t *testing.T) {
	addr, err := parseBDAddr("11:22:33:AA:BB:CC")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0xCC, 0xBB, 0xAA, 0x33, 0x22, 0x11}, addr)
}

func TestParseBDAddrRejectsMalformed(t *testing.T) {
	_, err := parseBDAddr("not-a-mac")
	assert.Error(t, err)
}
