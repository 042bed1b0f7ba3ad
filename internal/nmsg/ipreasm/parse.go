package ipreasm

import (
	"encoding/binary"
	"time"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

// IPv4 header field layout, offsets into the first 20 bytes.
const (
	ipv4OffIHLVer  = 0
	ipv4OffTotLen  = 2
	ipv4OffID      = 4
	ipv4OffFlagsOff = 6
	ipv4OffProto   = 9
	ipv4OffSrc     = 12
	ipv4OffDst     = 16

	ipv4FlagMF     = 0x2000
	ipv4OffsetMask = 0x1FFF
)

// IPv6 fixed header layout (40 bytes).
const (
	ipv6OffVerTC   = 0
	ipv6OffPayload = 4
	ipv6OffNextHdr = 6
	ipv6OffSrc     = 8
	ipv6OffDst     = 24
	ipv6HdrLen     = 40

	ip6ProtoHopByHop = 0
	ip6ProtoRouting  = 43
	ip6ProtoFragment = 44
	ip6ProtoDstOpts  = 60
	ip6ProtoAH       = 51
	ip6ProtoESP      = 50

	ip6fOffsetMask = 0xFFF8
	ip6fMoreFrag   = 0x0001
)

// parsePacket implements the C2 network-header walker plus the
// fragment-extraction half of C3 (reasm_parse_packet / frag_from_ipv6):
// given a packet starting at the IP header, it returns a *fragment iff
// the packet is a fragment of a larger datagram. A nil fragment with a
// nil error means "not a fragment, not malformed" (the caller should
// return SubmitNone). A non-nil error means the packet was malformed.
func parsePacket(packet []byte, ts time.Time) (*fragment, Protocol, FlowID, bool, error) {
	if len(packet) < 1 {
		return nil, 0, FlowID{}, false, nmsgapi.Malformed("packet too short for IP version nibble")
	}

	version := packet[0] >> 4
	switch version {
	case 4:
		return parseIPv4Fragment(packet, ts)
	case 6:
		return parseIPv6Fragment(packet, ts)
	default:
		return nil, 0, FlowID{}, false, nil
	}
}

func parseIPv4Fragment(packet []byte, ts time.Time) (*fragment, Protocol, FlowID, bool, error) {
	if len(packet) < 20 {
		return nil, ProtoIPv4, FlowID{}, false, nmsgapi.Malformed("ipv4 header too short")
	}

	ihl := int(packet[ipv4OffIHLVer]&0x0F) * 4
	totLen := int(binary.BigEndian.Uint16(packet[ipv4OffTotLen : ipv4OffTotLen+2]))
	if ihl < 20 || len(packet) < totLen {
		// Not enough captured data to trust the declared length; treat
		// as "not recognizable" rather than malformed, matching the
		// original's `len >= ntohs(ip_len)` guard.
		return nil, ProtoIPv4, FlowID{}, false, nil
	}

	off := binary.BigEndian.Uint16(packet[ipv4OffFlagsOff : ipv4OffFlagsOff+2])
	isFragment := (off&ipv4OffsetMask) != 0 || (off&ipv4FlagMF) != 0
	if !isFragment {
		return nil, ProtoIPv4, FlowID{}, false, nil
	}

	var id FlowID
	copy(id.SrcIPv4[:], packet[ipv4OffSrc:ipv4OffSrc+4])
	copy(id.DstIPv4[:], packet[ipv4OffDst:ipv4OffDst+4])
	id.IPID = binary.BigEndian.Uint16(packet[ipv4OffID : ipv4OffID+2])
	id.Proto = packet[ipv4OffProto]

	data := make([]byte, totLen)
	copy(data, packet[:totLen])

	frag := &fragment{
		offset:     uint32(off&ipv4OffsetMask) * 8,
		length:     uint32(totLen - ihl),
		dataOffset: uint32(ihl),
		data:       data,
		timestamp:  ts,
	}
	isLast := off&ipv4FlagMF == 0

	return frag, ProtoIPv4, id, isLast, nil
}

func parseIPv6Fragment(packet []byte, ts time.Time) (*fragment, Protocol, FlowID, bool, error) {
	if len(packet) < ipv6HdrLen {
		return nil, ProtoIPv6, FlowID{}, false, nmsgapi.Malformed("ipv6 header too short")
	}

	payloadLen := int(binary.BigEndian.Uint16(packet[ipv6OffPayload : ipv6OffPayload+2]))
	totalLen := ipv6HdrLen + payloadLen
	if len(packet) < totalLen {
		return nil, ProtoIPv6, FlowID{}, false, nil
	}

	nxt := packet[ipv6OffNextHdr]
	offset := ipv6HdrLen
	lastNxt := ipv6OffNextHdr

	for nxt == ip6ProtoHopByHop || nxt == ip6ProtoRouting || nxt == ip6ProtoDstOpts {
		if offset+2 > totalLen {
			return nil, ProtoIPv6, FlowID{}, false, nil
		}
		extLen := 8 * (int(packet[offset+1]) + 1)
		if offset+extLen > totalLen {
			return nil, ProtoIPv6, FlowID{}, false, nil
		}
		nxt = packet[offset]
		lastNxt = offset
		offset += extLen
	}

	if nxt != ip6ProtoFragment {
		return nil, ProtoIPv6, FlowID{}, false, nil
	}
	if offset+8 > totalLen {
		return nil, ProtoIPv6, FlowID{}, false, nmsgapi.Malformed("ipv6 fragment header extends past captured data")
	}

	fragNxt := packet[offset]
	offLg := binary.BigEndian.Uint16(packet[offset+2 : offset+4])
	fragID := binary.BigEndian.Uint32(packet[offset+4 : offset+8])
	dataOffset := offset + 8

	data := make([]byte, totalLen)
	copy(data, packet[:totalLen])

	var id FlowID
	copy(id.SrcIPv6[:], packet[ipv6OffSrc:ipv6OffSrc+16])
	copy(id.DstIPv6[:], packet[ipv6OffDst:ipv6OffDst+16])
	id.FlowLabel = fragID

	frag := &fragment{
		offset:     uint32(offLg & ip6fOffsetMask),
		length:     uint32(totalLen - dataOffset),
		dataOffset: uint32(dataOffset),
		data:       data,
		lastNxt:    uint32(lastNxt),
		ip6fNxt:    fragNxt,
		timestamp:  ts,
	}
	isLast := offLg&ip6fMoreFrag == 0

	return frag, ProtoIPv6, id, isLast, nil
}
