// Package payload implements the lifecycle operations of a single
// Payload record (C8): duplication, size computation for container
// packing, and construction from an encoded message body. It is a
// close port of original_source/nmsg/payload.c, generalized from the
// protobuf-c ProtobufCAllocator vtable pattern to plain Go values (the
// garbage collector plays the role ca->free played there).
package payload

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

// Field numbers of the wire-level NmsgPayload message, shared with
// package container so Size's estimate matches what the encoder
// actually emits.
const (
	FieldVid      = 1
	FieldMsgType  = 2
	FieldTimeSec  = 3
	FieldTimeNsec = 4
	FieldBody     = 5
	FieldSource   = 6
	FieldOperator = 7
	FieldGroup    = 8
)

// Dup returns a deep copy of p: its Body slice (if present) is copied
// into a freshly allocated backing array, so the original and the copy
// can be released independently. Mirrors nmsg_payload_dup.
func Dup(p *nmsgapi.Payload) *nmsgapi.Payload {
	dup := *p
	if p.HasPayload {
		dup.Body = make([]byte, len(p.Body))
		copy(dup.Body, p.Body)
	}
	if p.Source != nil {
		v := *p.Source
		dup.Source = &v
	}
	if p.Operator != nil {
		v := *p.Operator
		dup.Operator = &v
	}
	if p.Group != nil {
		v := *p.Group
		dup.Group = &v
	}
	return &dup
}

// Free releases p's body. Go's garbage collector reclaims the memory
// on its own; Free exists so callers that track Payload ownership
// explicitly (the I/O multiplexer's handoff-to-exactly-one-Output rule)
// have a single place to mark a Payload as no longer usable, mirroring
// nmsg_payload_free's role in the original lifecycle.
func Free(p *nmsgapi.Payload) {
	p.Body = nil
	p.HasPayload = false
}

// Size computes the packed wire size of p the way it will be emitted
// by package container: the fixed fields' tag+varint sizes, plus the
// body's tag, length-varint, and bytes. Mirrors nmsg_payload_size,
// which builds this incrementally via protobuf-c's packed-size
// function plus a manual varint-length adjustment; protowire's
// Size helpers do the equivalent arithmetic directly.
func Size(p *nmsgapi.Payload) int {
	sz := 0
	sz += protowire.SizeTag(FieldVid) + protowire.SizeVarint(uint64(p.Vid))
	sz += protowire.SizeTag(FieldMsgType) + protowire.SizeVarint(uint64(p.MsgType))
	sz += protowire.SizeTag(FieldTimeSec) + protowire.SizeVarint(p.TimeSec)
	sz += protowire.SizeTag(FieldTimeNsec) + protowire.SizeVarint(uint64(p.TimeNsec))

	if p.Source != nil {
		sz += protowire.SizeTag(FieldSource) + protowire.SizeVarint(uint64(*p.Source))
	}
	if p.Operator != nil {
		sz += protowire.SizeTag(FieldOperator) + protowire.SizeVarint(uint64(*p.Operator))
	}
	if p.Group != nil {
		sz += protowire.SizeTag(FieldGroup) + protowire.SizeVarint(uint64(*p.Group))
	}

	if p.HasPayload {
		sz += protowire.SizeTag(FieldBody) + protowire.SizeBytes(len(p.Body))
	}

	return sz
}

// Make builds a Payload wrapping an already-encoded message body,
// stamping the vendor id, message type, and timestamp. Mirrors
// nmsg_payload_make; body is copied so the caller's buffer can be
// reused immediately afterward.
func Make(body []byte, vid, msgType uint32, ts time.Time) *nmsgapi.Payload {
	owned := make([]byte, len(body))
	copy(owned, body)
	return &nmsgapi.Payload{
		Vid:        vid,
		MsgType:    msgType,
		TimeSec:    uint64(ts.Unix()),
		TimeNsec:   uint32(ts.Nanosecond()),
		HasPayload: true,
		Body:       owned,
	}
}
