// Package wire implements the 9-byte session header that every datagram in
// a stage session carries, and the fixed opcode table used for the
// control-port range of the destination-port field.
//
// The header is intentionally not self-describing: both ends of a session
// are assumed to agree out of band on byte order (little-endian) and on the
// session secret. There is no version byte.
package wire

import "encoding/binary"

// HeaderLen is the size in bytes of the fixed session header.
const HeaderLen = 9

// MaxDatagramSize bounds the largest datagram this protocol will pack or
// accept, header included.
const MaxDatagramSize = 8192

// MaxPayloadLen is the largest payload that fits alongside the header in a
// MaxDatagramSize buffer.
const MaxPayloadLen = MaxDatagramSize - HeaderLen

// RelayCallerID is the reserved caller id of the relay server.
const RelayCallerID = 0xFF

// MaxStageID is the number of caller id slots in a session (ids [0, 32)).
const MaxStageID = 32

// Port is the destination-port field of a header. Values up to and
// including MaxSpecialPort are treated as control (MaxSpecialPort itself
// carries no opcode); values above it are user ports that map to a local
// UDP destination.
type Port uint16

// Control opcodes, in wire order. Do not reorder: the enum position is the
// wire value.
const (
	PortRegister Port = iota
	PortListCID
	PortPing
	PortPong
	PortPeerLatRep
	PortSeqRep
	PortSetLocalIP
	PortPingSrv
	PortPongSrv
	PortPingLocal
	PortPongLocal
	PortPubkey
	MaxSpecialPort
)

func (p Port) String() string {
	switch p {
	case PortRegister:
		return "REGISTER"
	case PortListCID:
		return "LISTCID"
	case PortPing:
		return "PING"
	case PortPong:
		return "PONG"
	case PortPeerLatRep:
		return "PEERLATREP"
	case PortSeqRep:
		return "SEQREP"
	case PortSetLocalIP:
		return "SETLOCALIP"
	case PortPingSrv:
		return "PING_SRV"
	case PortPongSrv:
		return "PONG_SRV"
	case PortPingLocal:
		return "PING_LOCAL"
	case PortPongLocal:
		return "PONG_LOCAL"
	case PortPubkey:
		return "PUBKEY"
	default:
		return "USER"
	}
}

// IsControl reports whether p is a reserved control opcode rather than a
// user port.
func (p Port) IsControl() bool {
	return p <= MaxSpecialPort
}

// Header is the unpacked form of the 9-byte session header.
type Header struct {
	Secret   uint32
	CallerID uint8
	DestPort Port
	Sequence int16
}

// Pack serializes hdr and payload into dst, returning the total number of
// bytes written, or 0 if dst is too small to hold the header and payload.
// The caller must treat a 0 return as "drop this send".
func Pack(dst []byte, hdr Header, payload []byte) int {
	total := HeaderLen + len(payload)
	if len(dst) < total {
		return 0
	}

	binary.LittleEndian.PutUint32(dst[0:4], hdr.Secret)
	dst[4] = hdr.CallerID
	binary.LittleEndian.PutUint16(dst[5:7], uint16(hdr.DestPort))
	binary.LittleEndian.PutUint16(dst[7:9], uint16(hdr.Sequence))
	copy(dst[HeaderLen:total], payload)

	return total
}

// Unpack parses the header out of buf and returns the header plus a slice
// referencing buf's payload region (no copy). ok is false if buf is shorter
// than HeaderLen.
func Unpack(buf []byte) (hdr Header, payload []byte, ok bool) {
	if len(buf) < HeaderLen {
		return Header{}, nil, false
	}

	hdr.Secret = binary.LittleEndian.Uint32(buf[0:4])
	hdr.CallerID = buf[4]
	hdr.DestPort = Port(binary.LittleEndian.Uint16(buf[5:7]))
	hdr.Sequence = int16(binary.LittleEndian.Uint16(buf[7:9]))

	return hdr, buf[HeaderLen:], true
}
