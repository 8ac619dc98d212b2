package classic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSdptoolOutputExtractsNameUUIDChannel(t *testing.T) {
	raw := `Service Name: Headset Audio Gateway
Service RecHandle: 0x10004
Service Class ID List:
  "Headset Audio Gateway" (0x1112)
Protocol Descriptor List:
  "L2CAP" (0x0100)
  "RFCOMM" (0x0003)
    Channel: 12

Service Name: OBEX Phonebook Access Server
Service Class ID List:
  "Phonebook Access PSE" (0x112f)
Protocol Descriptor List:
  "RFCOMM" (0x0003)
    Channel/Port (Integer) : 0x10
`
	recs := parseSdptoolOutput(raw)
	require.Len(t, recs, 2)
	assert.Equal(t, "Headset Audio Gateway", recs[0].Name)
	require.NotNil(t, recs[0].RFCOMMChannel)
	assert.Equal(t, uint8(12), *recs[0].RFCOMMChannel)

	require.NotNil(t, recs[1].RFCOMMChannel)
	assert.Equal(t, uint8(0x10), *recs[1].RFCOMMChannel)
}

func TestParseSdptoolOutputSkipsEmptyBlocks(t *testing.T) {
	recs := parseSdptoolOutput("\n\n   \n\n")
	assert.Empty(t, recs)
}

func TestRfcommChannelFromProtocolList(t *testing.T) {
	blob := []byte(`<record>
<attribute id="0x0004">
 <sequence>
  <sequence>
   <uuid value="0x0100"/>
  </sequence>
  <sequence>
   <uuid value="0x0003"/>
   <uint8 value="0x05"/>
  </sequence>
 </sequence>
</attribute>
</record>`)
	ch := rfcommChannelFromProtocolList(blob)
	require.NotNil(t, ch)
	assert.Equal(t, uint8(5), *ch)
}

func TestRfcommChannelFromProtocolListNoMatch(t *testing.T) {
	ch := rfcommChannelFromProtocolList([]byte(`<record></record>`))
	assert.Nil(t, ch)
}
