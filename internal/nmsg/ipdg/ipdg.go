// Package ipdg walks a captured frame down to its application payload:
// it strips the link-layer header (package link), walks the IPv4/IPv6
// header to find the transport protocol, reassembles fragmented
// datagrams (package ipreasm) when a reassembly table is given, and
// locates the transport payload (package transport). It is a close
// port of original_source/nmsg/ipdg.c's nmsg_ipdg_parse /
// _nmsg_ipdg_parse_reasm / nmsg_ipdg_parse_pcap_raw, split back out
// from the reassembly engine the way ipdg.c is split from reasm.c in
// the original.
package ipdg

import (
	"encoding/binary"
	"fmt"
	"time"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/ipreasm"
	"firestige.xyz/nmsg/internal/nmsg/link"
	"firestige.xyz/nmsg/internal/nmsg/transport"
)

// Datagram is the result of walking one frame all the way down to its
// application payload.
type Datagram struct {
	// Network is the IP datagram (header and all), reassembled if the
	// original frame carried a fragment.
	Network []byte
	// Proto is the upper-layer protocol number the network header named.
	Proto uint8
	// Payload is the application payload transport located, or (in raw
	// mode) the fragment body handed through untouched.
	Payload []byte
	// Raw mirrors transport.Datagram.Raw: true when Payload could not be
	// matched against a transport header because the frame is a
	// non-initial fragment.
	Raw bool
	// Defrag is true when Network was assembled from more than one
	// fragment.
	Defrag bool
}

// Network-layer extension/upper-layer protocol numbers the IPv6 walker
// treats as "keep walking", matching ipdg.c's while-loop condition
// exactly (including AH and ESP, which package ipreasm's narrower
// fragment-detection walk does not look past; see parseIPv6Fragment
// in internal/nmsg/ipreasm/parse.go).
const (
	ip6ProtoHopByHop = 0
	ip6ProtoRouting  = 43
	ip6ProtoFragment = 44
	ip6ProtoDstOpts  = 60
	ip6ProtoESP      = 50
	ip6ProtoAH       = 51
)

// Parse classifies frame's link-layer header and walks its network and
// transport headers to produce a Datagram.
//
// tbl, when non-nil, is fed every fragment Parse encounters and is used
// to reassemble complete datagrams before transport parsing; a fragment
// that has not completed its datagram yields ErrAgain. tbl nil puts
// Parse in the original's "raw" mode: fragments are never reassembled,
// and a non-initial fragment's body is returned directly as Payload
// with Raw set, per spec.md §4.4.
//
// requireComplete and now are forwarded to link.Classify and
// ipreasm.Table.Submit respectively.
func Parse(frame link.Frame, tbl *ipreasm.Table, requireComplete bool, now time.Time) (Datagram, error) {
	cl, err := link.Classify(frame, requireComplete)
	if err != nil {
		return Datagram{}, err
	}

	data := frame.Bytes
	if len(data) > frame.CapturedLen {
		data = data[:frame.CapturedLen]
	}
	if cl.Offset > len(data) {
		return Datagram{}, nmsgapi.ErrAgain
	}
	network := data[cl.Offset:]

	h, err := walkNetworkHeader(network, cl.EtherType)
	if err != nil {
		return Datagram{}, err
	}

	if !h.isFragment {
		return finishTransport(network, h, false)
	}

	if tbl == nil {
		if h.isInitialFragment {
			return finishTransport(network, h, false)
		}
		dg := transport.ParseRaw(network[h.thusfar:])
		return Datagram{Network: network, Proto: h.proto, Payload: dg.Payload, Raw: true}, nil
	}

	res, entry, err := tbl.Submit(network, now)
	if err != nil {
		return Datagram{}, err
	}
	switch res {
	case ipreasm.SubmitComplete:
		reassembled, err := ipreasm.Assemble(entry)
		if err != nil {
			return Datagram{}, err
		}
		rh, err := walkNetworkHeader(reassembled, cl.EtherType)
		if err != nil {
			return Datagram{}, err
		}
		if rh.isFragment {
			return Datagram{}, fmt.Errorf("ipdg: reassembled datagram still reports a fragment")
		}
		dg, err := finishTransport(reassembled, rh, true)
		return dg, err
	default:
		// SubmitAccepted: still waiting on more fragments. SubmitNone:
		// ipreasm's fragment walk (which does not look past an AH/ESP
		// extension header) disagreed with the walk above; treat the
		// packet as unparseable for this round rather than guess.
		return Datagram{}, nmsgapi.ErrAgain
	}
}

func finishTransport(network []byte, h header, defrag bool) (Datagram, error) {
	dg, err := transport.Parse(h.proto, network[h.thusfar:])
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Network: network, Proto: h.proto, Payload: dg.Payload, Raw: dg.Raw, Defrag: defrag}, nil
}

// header is the result of walking a network-layer header far enough to
// know where the transport header starts and whether the datagram is a
// fragment.
type header struct {
	proto             uint8
	thusfar           int
	isFragment        bool
	isInitialFragment bool
}

func walkNetworkHeader(network []byte, etype link.EtherType) (header, error) {
	switch etype {
	case link.EtherTypeIPv4:
		return walkIPv4(network)
	case link.EtherTypeIPv6:
		return walkIPv6(network)
	default:
		return header{}, nmsgapi.ErrAgain
	}
}

func walkIPv4(network []byte) (header, error) {
	const ipv4OffFlagsOff = 6
	const ipv4OffProto = 9
	const ipv4FlagMF = 0x2000
	const ipv4OffsetMask = 0x1FFF

	if len(network) < 20 {
		return header{}, nmsgapi.ErrAgain
	}
	ihl := int(network[0]&0x0F) * 4
	if ihl < 20 || ihl > len(network) {
		return header{}, nmsgapi.ErrAgain
	}

	off := binary.BigEndian.Uint16(network[ipv4OffFlagsOff : ipv4OffFlagsOff+2])
	isFragment := off&ipv4OffsetMask != 0 || off&ipv4FlagMF != 0
	isInitial := off&ipv4OffsetMask == 0

	return header{
		proto:             network[ipv4OffProto],
		thusfar:           ihl,
		isFragment:        isFragment,
		isInitialFragment: isInitial,
	}, nil
}

func walkIPv6(network []byte) (header, error) {
	const ipv6HdrLen = 40
	const ip6fOffsetMask = 0xFFF8
	const ip6fMoreFrag = 0x0001

	if len(network) < ipv6HdrLen {
		return header{}, nmsgapi.ErrAgain
	}

	payloadLen := int(binary.BigEndian.Uint16(network[4:6]))
	nexthdr := network[6]
	thusfar := ipv6HdrLen

	var isFragment, isInitial bool
	for nexthdr == ip6ProtoHopByHop || nexthdr == ip6ProtoRouting ||
		nexthdr == ip6ProtoFragment || nexthdr == ip6ProtoDstOpts ||
		nexthdr == ip6ProtoAH || nexthdr == ip6ProtoESP {

		if thusfar+2 > len(network) {
			return header{}, nmsgapi.ErrAgain
		}
		if nexthdr == ip6ProtoFragment {
			if thusfar+8 > len(network) {
				return header{}, nmsgapi.Malformed("ipv6 fragment header extends past captured data")
			}
			isFragment = true
			offLg := binary.BigEndian.Uint16(network[thusfar+2 : thusfar+4])
			isInitial = offLg&ip6fOffsetMask == 0
			// the fragment header is a fixed 8 bytes: next header(1) +
			// reserved(1) + frag-offset/flags(2) + identification(4),
			// unlike every other extension header's Hdr Ext Len field.
			const fragHdrLen = 8
			if fragHdrLen > payloadLen {
				return header{}, nmsgapi.ErrAgain
			}
			nexthdr = network[thusfar]
			thusfar += fragHdrLen
			payloadLen -= fragHdrLen
			break
		}

		extLen := 8 * (int(network[thusfar+1]) + 1)
		if extLen > payloadLen {
			return header{}, nmsgapi.ErrAgain
		}
		nexthdr = network[thusfar]
		thusfar += extLen
		payloadLen -= extLen
	}

	if thusfar+payloadLen > len(network) || payloadLen == 0 {
		return header{}, nmsgapi.ErrAgain
	}

	return header{
		proto:             nexthdr,
		thusfar:           thusfar,
		isFragment:        isFragment,
		isInitialFragment: isInitial,
	}, nil
}
