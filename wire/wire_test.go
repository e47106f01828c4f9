package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		hdr     Header
		payload []byte
	}{
		{
			name:    "empty payload",
			hdr:     Header{Secret: 12345678, CallerID: 13, DestPort: 9876, Sequence: 4321},
			payload: nil,
		},
		{
			name:    "small payload",
			hdr:     Header{Secret: 1, CallerID: 0, DestPort: PortPing, Sequence: -1},
			payload: []byte("hello stage"),
		},
		{
			name:    "max payload",
			hdr:     Header{Secret: 0xFFFFFFFF, CallerID: 31, DestPort: 40000, Sequence: 32767},
			payload: make([]byte, MaxPayloadLen),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, MaxDatagramSize)
			n := Pack(buf, tc.hdr, tc.payload)
			require.NotZero(t, n)
			require.Equal(t, HeaderLen+len(tc.payload), n)

			got, payload, ok := Unpack(buf[:n])
			require.True(t, ok)
			require.Equal(t, tc.hdr, got)
			require.Equal(t, tc.payload, payload)
		})
	}
}

func TestPackConcreteScenario(t *testing.T) {
	buf := make([]byte, MaxDatagramSize)
	n := Pack(buf, Header{Secret: 12345678, CallerID: 13, DestPort: 9876, Sequence: 4321}, nil)
	require.Equal(t, HeaderLen, n)

	require.Equal(t, []byte{0x4E, 0x61, 0xBC, 0x00}, buf[0:4]) // secret LE
	require.Equal(t, byte(13), buf[4])
	require.Equal(t, []byte{0x94, 0x26}, buf[5:7]) // 9876 LE
	require.Equal(t, []byte{0xE1, 0x10}, buf[7:9]) // 4321 LE
}

func TestPackTooSmallReturnsZero(t *testing.T) {
	buf := make([]byte, HeaderLen+4)
	n := Pack(buf, Header{}, make([]byte, 5))
	require.Zero(t, n)
}

func TestUnpackShortBufferRejected(t *testing.T) {
	_, _, ok := Unpack(make([]byte, HeaderLen-1))
	require.False(t, ok)
}

func TestPortIsControl(t *testing.T) {
	require.True(t, PortRegister.IsControl())
	require.True(t, PortPubkey.IsControl())
	require.True(t, MaxSpecialPort.IsControl())
	require.False(t, Port(MaxSpecialPort+1).IsControl())
}
