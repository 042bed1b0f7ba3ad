// Package transport locates the transport header (UDP/TCP/ICMP) inside
// a reassembled network-layer payload and exposes the application
// payload slice, implementing C5. Grounded on the transport switch in
// original_source/nmsg/ipdg.c's _nmsg_ipdg_parse_reasm /
// nmsg_ipdg_parse_pcap_raw.
package transport

import (
	"encoding/binary"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

// Protocol numbers this package recognizes (IANA assigned numbers).
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Datagram is the result of transport parsing: the application payload
// slice, or in raw mode (an initial fragment not yet seen) the
// fragment's body handed through untouched.
type Datagram struct {
	Payload []byte
	// Raw is true when Transport could not be identified because the
	// caller is looking at a non-initial fragment; Payload is then the
	// fragment body directly, per spec.md §4.4's "raw mode".
	Raw bool
}

// Parse locates the transport header for proto inside data (the network
// payload, starting right after the IP header) and returns the
// application payload. ErrAgain is returned for transports this package
// does not recognize.
func Parse(proto uint8, data []byte) (Datagram, error) {
	switch proto {
	case ProtoUDP:
		return parseUDP(data)
	case ProtoTCP:
		return parseTCP(data)
	case ProtoICMP:
		return parseICMP(data)
	default:
		return Datagram{}, nmsgapi.ErrAgain
	}
}

// ParseRaw exposes a fragment body directly as the payload, for the raw
// mode described in spec.md §4.4: a fragmented datagram whose initial
// fragment (and hence transport header) has not been seen.
func ParseRaw(fragmentBody []byte) Datagram {
	return Datagram{Payload: fragmentBody, Raw: true}
}

func parseUDP(data []byte) (Datagram, error) {
	const udpHdrLen = 8
	if len(data) < udpHdrLen {
		return Datagram{}, nmsgapi.ErrAgain
	}
	udpLen := int(binary.BigEndian.Uint16(data[4:6]))
	remaining := len(data) - udpHdrLen
	payloadLen := udpLen - udpHdrLen
	if payloadLen < 0 {
		payloadLen = 0
	}
	if payloadLen > remaining {
		payloadLen = remaining
	}
	return Datagram{Payload: data[udpHdrLen : udpHdrLen+payloadLen]}, nil
}

func parseTCP(data []byte) (Datagram, error) {
	const tcpHdrLen = 20
	if len(data) < tcpHdrLen {
		return Datagram{}, nmsgapi.ErrAgain
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < tcpHdrLen || dataOffset > len(data) {
		return Datagram{}, nmsgapi.Malformed("tcp data offset out of range")
	}
	return Datagram{Payload: data[dataOffset:]}, nil
}

func parseICMP(data []byte) (Datagram, error) {
	const icmpHdrLen = 8
	if len(data) < icmpHdrLen {
		return Datagram{}, nmsgapi.ErrAgain
	}
	return Datagram{Payload: data[icmpHdrLen:]}, nil
}
