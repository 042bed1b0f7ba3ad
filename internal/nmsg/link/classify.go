// Package link strips the link-layer header off a captured frame and
// identifies the network-layer protocol carried inside, the way
// nmsg_ipdg_parse_pcap's datalink switch does in the original C
// implementation (see original_source/nmsg/ipdg.c).
package link

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

// EtherType identifies the network-layer protocol found after the
// link-layer header has been stripped.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = EtherType(layers.EthernetTypeIPv4)
	EtherTypeIPv6 EtherType = EtherType(layers.EthernetTypeIPv6)
)

const etherTypeVLAN = uint16(layers.EthernetTypeDot1Q)

// Frame is the link-layer input boundary from spec.md §6: a frame
// source supplies bytes, captured/wire length, a timestamp and a link
// type. Classify reads Bytes, CapturedLen and LinkType, and WireLen
// when requireComplete is set.
type Frame struct {
	Bytes       []byte
	CapturedLen int
	WireLen     int
	LinkType    layers.LinkType
}

// Classified is the result of stripping a frame's link-layer header: the
// etype of the network-layer payload and the byte offset where it
// starts within Frame.Bytes.
type Classified struct {
	EtherType EtherType
	Offset    int
}

// Classify strips f's link-layer header. requireComplete controls
// whether frames where CapturedLen != WireLen
// (a truncated capture) are accepted at all; set true to drop them
// before parsing, mirroring nmsg_ipdg_parse_pcap's "only operate on
// complete packets" check.
func Classify(f Frame, requireComplete bool) (Classified, error) {
	if requireComplete && f.CapturedLen != f.WireLen {
		return Classified{}, nmsgapi.ErrAgain
	}

	data := f.Bytes
	if len(data) > f.CapturedLen {
		data = data[:f.CapturedLen]
	}

	switch f.LinkType {
	case layers.LinkTypeEthernet:
		return classifyEthernet(data)
	case layers.LinkTypeRaw:
		return classifyRaw(data)
	case layers.LinkTypeLinuxSLL:
		return classifyLinuxCooked(data)
	default:
		return Classified{}, nmsgapi.ErrAgain
	}
}

func classifyEthernet(data []byte) (Classified, error) {
	const ethHdrLen = 14
	if len(data) < ethHdrLen {
		return Classified{}, nmsgapi.ErrAgain
	}
	etype := binary.BigEndian.Uint16(data[12:14])
	offset := ethHdrLen
	if etype == etherTypeVLAN {
		if len(data) < offset+4 {
			return Classified{}, nmsgapi.ErrAgain
		}
		etype = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += 4
	}
	return Classified{EtherType: EtherType(etype), Offset: offset}, nil
}

func classifyRaw(data []byte) (Classified, error) {
	if len(data) < 1 {
		return Classified{}, nmsgapi.ErrAgain
	}
	version := data[0] >> 4
	switch version {
	case 4:
		return Classified{EtherType: EtherTypeIPv4, Offset: 0}, nil
	case 6:
		return Classified{EtherType: EtherTypeIPv6, Offset: 0}, nil
	default:
		return Classified{}, nmsgapi.ErrAgain
	}
}

func classifyLinuxCooked(data []byte) (Classified, error) {
	const sllHdrLen = 16
	if len(data) < sllHdrLen {
		return Classified{}, nmsgapi.ErrAgain
	}
	const ethHdrLen = 14
	etype := binary.BigEndian.Uint16(data[ethHdrLen : ethHdrLen+2])
	return Classified{EtherType: EtherType(etype), Offset: sllHdrLen}, nil
}
