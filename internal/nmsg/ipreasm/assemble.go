package ipreasm

import (
	"encoding/binary"
	"fmt"
)

// Assemble rebuilds the contiguous datagram bytes for a complete entry
// (Table.Submit returned SubmitComplete for it), implementing C4 /
// reasm_assemble: the offset-0 fragment (the head of the entry's
// offset-sorted list) supplies the unfragmentable header, every
// fragment's payload is copied at its offset, and the IPv4
// length/checksum or IPv6 payload length is fixed up afterward.
//
// The result is a newly allocated buffer; entry and its fragment
// buffers are left unchanged.
func Assemble(entry *Entry) ([]byte, error) {
	first := entry.frags.next // skip the sentinel list head
	if first == nil {
		return nil, fmt.Errorf("ipreasm: complete entry has no fragments")
	}

	headerLen := first.dataOffset
	if entry.protocol == ProtoIPv6 {
		headerLen -= 8 // the Fragment header itself is dropped
	}

	out := make([]byte, headerLen+entry.length)
	copy(out, first.data[:headerLen])
	if entry.protocol == ProtoIPv6 {
		out[first.lastNxt] = first.ip6fNxt
	}

	for f := first; f != nil; f = f.next {
		copy(out[headerLen+f.offset:], f.data[f.dataOffset:f.dataOffset+f.length])
	}

	switch entry.protocol {
	case ProtoIPv4:
		fixupIPv4(out, headerLen)
	case ProtoIPv6:
		fixupIPv6(out, headerLen, entry.length)
	}

	return out, nil
}

func fixupIPv4(out []byte, headerLen uint32) {
	hl := int(out[0]&0x0F) * 4
	binary.BigEndian.PutUint16(out[ipv4OffTotLen:ipv4OffTotLen+2], uint16(len(out)))
	out[ipv4OffFlagsOff] = 0
	out[ipv4OffFlagsOff+1] = 0

	out[10] = 0
	out[11] = 0
	binary.BigEndian.PutUint16(out[10:12], ipChecksum(out[:hl]))
}

// ipChecksum computes the one's-complement sum of 16-bit words over an
// IPv4 header, the standard Internet checksum.
func ipChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func fixupIPv6(out []byte, headerLen, length uint32) {
	plen := headerLen + length - ipv6HdrLen
	binary.BigEndian.PutUint16(out[ipv6OffPayload:ipv6OffPayload+2], uint16(plen))
}
