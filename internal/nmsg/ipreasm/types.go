// Package ipreasm reassembles fragmented IPv4 and IPv6 datagrams. It
// implements the walker (C2), the fragment reassembler (C3), and the
// datagram assembler (C4) from the design, and is a close port of
// original_source/nmsg/base/ipreasm.c generalized from a single global
// hash table to a Table value any number of which can be created.
//
// The engine is single-threaded per Table instance: callers must
// serialize calls to Submit the way one capture goroutine feeding one
// Table does.
package ipreasm

import "time"

// Protocol discriminates the two supported network-layer protocols.
type Protocol int

const (
	ProtoIPv4 Protocol = iota
	ProtoIPv6
)

// FlowID is the Flow Identity used to group fragments belonging to the
// same in-flight datagram. Only the fields for the active Protocol are
// meaningful.
type FlowID struct {
	SrcIPv4, DstIPv4 [4]byte
	IPID             uint16 // IPv4 ip_id

	SrcIPv6, DstIPv6 [16]byte
	FlowLabel        uint32 // IPv6 flow id, reused to carry the fragment header's id

	Proto uint8 // IPv4 upper-layer protocol; unused for IPv6
}

// hash mixes a FlowID the same way reasm_ipv4_hash/reasm_ipv6_hash do:
// each address byte folded with multiplier 37, the id with 59, the
// protocol with 47.
func (id FlowID) hash(proto Protocol) uint32 {
	var h uint32
	switch proto {
	case ProtoIPv4:
		for i := 0; i < 4; i++ {
			h = 37*h + uint32(id.SrcIPv4[i])
			h = 37*h + uint32(id.DstIPv4[i])
		}
		h = 59*h + uint32(id.IPID)
		h = 47*h + uint32(id.Proto)
	case ProtoIPv6:
		for i := 0; i < 16; i++ {
			h = 37*h + uint32(id.SrcIPv6[i])
			h = 37*h + uint32(id.DstIPv6[i])
		}
		h = 59*h + id.FlowLabel
	}
	return h
}

func (id FlowID) equal(proto Protocol, other FlowID) bool {
	switch proto {
	case ProtoIPv4:
		return id.SrcIPv4 == other.SrcIPv4 && id.DstIPv4 == other.DstIPv4 &&
			id.IPID == other.IPID && id.Proto == other.Proto
	case ProtoIPv6:
		return id.SrcIPv6 == other.SrcIPv6 && id.DstIPv6 == other.DstIPv6 &&
			id.FlowLabel == other.FlowLabel
	}
	return false
}

// fragment is a single received piece of a datagram.
type fragment struct {
	offset     uint32
	length     uint32
	dataOffset uint32
	data       []byte
	lastNxt    uint32 // IPv6 only: offset of the predecessor's Next-Header byte
	ip6fNxt    uint8  // IPv6 only: upper-layer protocol from the Fragment header
	timestamp  time.Time

	next *fragment // sorted singly-linked list, mirrors reasm_frag_entry.next
}

// entryState mirrors STATE_ACTIVE / STATE_INVALID.
type entryState int

const (
	stateActive entryState = iota
	stateInvalid
)

// Entry is a single in-flight (or just-completed) datagram's fragment
// set. Complete entries are handed to callers by Submit and must be
// released (their byte buffers dropped) after Assemble.
type Entry struct {
	flowID   FlowID
	protocol Protocol

	frags     *fragment // sentinel head, offset=0 len=0
	length    uint32    // 0 until the terminal fragment is seen
	holes     int
	fragCount int
	state     entryState
	deadline  time.Time
	bucket    int

	// hash-chain siblings
	hashNext, hashPrev *Entry
	// time-ordered list siblings (non-decreasing deadline order)
	timeNext, timePrev *Entry
}

// Len returns the total reassembled payload length once the entry is
// complete (0 beforehand).
func (e *Entry) Len() uint32 { return e.length }

// Protocol returns the entry's network-layer protocol.
func (e *Entry) Protocol() Protocol { return e.protocol }
