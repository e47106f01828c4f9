package stage

import (
	"bytes"
	"encoding/binary"
	"math"
	"net"

	"github.com/pkg/errors"
)

// sockAddrLen is the size of the sockaddr_in-shaped endpoint layout the
// wire protocol carries in SETLOCALIP/LISTCID/PING payloads.
const sockAddrLen = 16

// encodeSockAddr packs addr into the 16-byte layout the wire protocol
// carries: a 2-byte family tag (always 2, AF_INET; readers ignore it), a
// 2-byte port, a 4-byte IPv4 address, and 8 bytes of zero padding matching
// sockaddr_in's sin_zero.
func encodeSockAddr(addr *net.UDPAddr) [sockAddrLen]byte {
	var buf [sockAddrLen]byte
	binary.LittleEndian.PutUint16(buf[0:2], 2)
	if addr == nil {
		return buf
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(addr.Port))
	ip4 := addr.IP.To4()
	if ip4 != nil {
		copy(buf[4:8], ip4)
	}
	return buf
}

// decodeSockAddr unpacks a 16-byte sockaddr payload. The family field is not
// validated: malformed foreign sockaddr padding is exactly what this
// protocol tolerates by forcing the result to IPv4 regardless of what the
// sender wrote, per the peer-table's documented normalization.
func decodeSockAddr(buf []byte) (*net.UDPAddr, error) {
	if len(buf) < sockAddrLen {
		return nil, errors.New("stage: sockaddr payload too short")
	}
	port := binary.LittleEndian.Uint16(buf[2:4])
	ip := make(net.IP, 4)
	copy(ip, buf[4:8])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// pingPayloadLen is len(t_send_f64) + len(sockaddr).
const pingPayloadLen = 8 + sockAddrLen

// encodePing builds a PING/PING_LOCAL/PONG* payload: the sender's clock at
// send time, followed by the sender's own public endpoint.
func encodePing(tSend float64, from *net.UDPAddr) []byte {
	buf := make([]byte, pingPayloadLen)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(tSend))
	addr := encodeSockAddr(from)
	copy(buf[8:], addr[:])
	return buf
}

func decodePing(payload []byte) (tSend float64, from *net.UDPAddr, err error) {
	if len(payload) < pingPayloadLen {
		return 0, nil, errors.New("stage: ping payload too short")
	}
	tSend = math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8]))
	from, err = decodeSockAddr(payload[8:])
	return tSend, from, err
}

// encodePingSrv builds a PING_SRV payload, which additionally prefixes the
// target caller id so the relay knows who to forward the probe to.
func encodePingSrv(targetCID uint8, tSend float64, from *net.UDPAddr) []byte {
	buf := make([]byte, 1+pingPayloadLen)
	buf[0] = targetCID
	copy(buf[1:], encodePing(tSend, from))
	return buf
}

func decodePingSrv(payload []byte) (targetCID uint8, tSend float64, from *net.UDPAddr, err error) {
	if len(payload) < 1+pingPayloadLen {
		return 0, 0, nil, errors.New("stage: ping_srv payload too short")
	}
	targetCID = payload[0]
	tSend, from, err = decodePing(payload[1:])
	return targetCID, tSend, from, err
}

// latencyReportLen is 6 float64 fields: cid, min, median, p99, received, lost.
const latencyReportLen = 6 * 8

func encodeLatencyReport(cid uint8, min, median, p99 float64, received, lost uint64) []byte {
	buf := make([]byte, latencyReportLen)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(float64(cid)))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(min))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(median))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(p99))
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(float64(received)))
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(float64(lost)))
	return buf
}

func decodeLatencyReport(payload []byte) (cid uint8, min, median, p99 float64, received, lost uint64, err error) {
	if len(payload) < latencyReportLen {
		return 0, 0, 0, 0, 0, 0, errors.New("stage: peerlatrep payload too short")
	}
	cid = uint8(math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8])))
	min = math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	median = math.Float64frombits(binary.LittleEndian.Uint64(payload[16:24]))
	p99 = math.Float64frombits(binary.LittleEndian.Uint64(payload[24:32]))
	received = uint64(math.Float64frombits(binary.LittleEndian.Uint64(payload[32:40])))
	lost = uint64(math.Float64frombits(binary.LittleEndian.Uint64(payload[40:48])))
	return cid, min, median, p99, received, lost, nil
}

// encodeRegister builds a REGISTER payload: just the NUL-terminated version
// string. The sender's mode bitmask rides in the header's Sequence field,
// not the payload.
func encodeRegister(version string) []byte {
	buf := make([]byte, len(version)+1)
	copy(buf, version)
	return buf
}

func decodeRegister(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return string(payload[:i])
	}
	return string(payload)
}
