// Package container implements the NMSG container wire codec and the
// container-level fragmentation wrapper described in spec.md's
// "NMSG container wire format" section: a container is a
// length-delimited message of {payloads: repeated Payload, flags:
// uint32}, and a fragment wrapper is {container_id, current, last,
// fragment}, expressed with google.golang.org/protobuf/encoding/protowire
// as a real length-delimited wire codec rather than a hand-rolled one.
package container

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/payload"
)

// Flag bits carried in a container's flags field.
const (
	FlagFragment = 1 << 0 // container is a fragment wrapper, not payloads
	FlagZlib     = 1 << 1 // encoded container was zlib-compressed as a whole
)

// Container field numbers.
const (
	fieldPayloads = 1
	fieldFlags    = 2
)

// Fragment wrapper field numbers.
const (
	fieldFragID      = 1
	fieldFragCurrent = 2
	fieldFragLast    = 3
	fieldFragBody    = 4
)

// Codec encodes and decodes NMSG containers. The default implementation
// is stateless; it exists as an interface so tests and alternative wire
// formats can substitute their own, per spec.md's "wire codec ...
// treated as a black box" boundary.
type Codec interface {
	EncodeContainer(payloads []*nmsgapi.Payload, flags uint32) []byte
	DecodeContainer(data []byte) (payloads []*nmsgapi.Payload, flags uint32, err error)
	EncodeFragment(containerID, current, last uint32, body []byte) []byte
	DecodeFragment(data []byte) (containerID, current, last uint32, body []byte, err error)
}

// WireCodec is the default Codec, a direct protowire length-delimited
// encoding of the schema above.
type WireCodec struct{}

var _ Codec = WireCodec{}

// EncodeContainer serializes payloads and flags into one container
// message.
func (WireCodec) EncodeContainer(payloads []*nmsgapi.Payload, flags uint32) []byte {
	var buf []byte
	for _, p := range payloads {
		body := encodePayload(p)
		buf = protowire.AppendTag(buf, fieldPayloads, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	if flags != 0 {
		buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(flags))
	}
	return buf
}

// DecodeContainer parses a container message produced by
// EncodeContainer (or an equivalent encoder).
func (WireCodec) DecodeContainer(data []byte) ([]*nmsgapi.Payload, uint32, error) {
	var payloads []*nmsgapi.Payload
	var flags uint32

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, 0, fmt.Errorf("container: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldPayloads && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, 0, fmt.Errorf("container: bad payload field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			p, err := decodePayload(body)
			if err != nil {
				return nil, 0, err
			}
			payloads = append(payloads, p)
		case num == fieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, 0, fmt.Errorf("container: bad flags field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			flags = uint32(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, 0, fmt.Errorf("container: bad field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return payloads, flags, nil
}

// EncodeFragment wraps one byte range of an oversized serialized
// container in the {container_id, current, last, fragment} envelope
// described in the design's fragmentation section.
func (WireCodec) EncodeFragment(containerID, current, last uint32, body []byte) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldFragID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(containerID))
	buf = protowire.AppendTag(buf, fieldFragCurrent, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(current))
	buf = protowire.AppendTag(buf, fieldFragLast, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(last))
	buf = protowire.AppendTag(buf, fieldFragBody, protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)
	return buf
}

// DecodeFragment parses a fragment envelope produced by EncodeFragment.
func (WireCodec) DecodeFragment(data []byte) (uint32, uint32, uint32, []byte, error) {
	var id, current, last uint32
	var body []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, 0, 0, nil, fmt.Errorf("container: bad fragment tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldFragID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, 0, nil, fmt.Errorf("container: bad fragment id: %w", protowire.ParseError(n))
			}
			id = uint32(v)
			data = data[n:]
		case num == fieldFragCurrent && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, 0, nil, fmt.Errorf("container: bad fragment current: %w", protowire.ParseError(n))
			}
			current = uint32(v)
			data = data[n:]
		case num == fieldFragLast && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, 0, nil, fmt.Errorf("container: bad fragment last: %w", protowire.ParseError(n))
			}
			last = uint32(v)
			data = data[n:]
		case num == fieldFragBody && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, 0, 0, nil, fmt.Errorf("container: bad fragment body: %w", protowire.ParseError(n))
			}
			body = append([]byte(nil), b...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, 0, 0, nil, fmt.Errorf("container: bad fragment field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return id, current, last, body, nil
}

func encodePayload(p *nmsgapi.Payload) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, payload.FieldVid, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.Vid))
	buf = protowire.AppendTag(buf, payload.FieldMsgType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.MsgType))
	buf = protowire.AppendTag(buf, payload.FieldTimeSec, protowire.VarintType)
	buf = protowire.AppendVarint(buf, p.TimeSec)
	buf = protowire.AppendTag(buf, payload.FieldTimeNsec, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.TimeNsec))

	if p.Source != nil {
		buf = protowire.AppendTag(buf, payload.FieldSource, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(*p.Source))
	}
	if p.Operator != nil {
		buf = protowire.AppendTag(buf, payload.FieldOperator, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(*p.Operator))
	}
	if p.Group != nil {
		buf = protowire.AppendTag(buf, payload.FieldGroup, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(*p.Group))
	}

	if p.HasPayload {
		buf = protowire.AppendTag(buf, payload.FieldBody, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Body)
	}

	return buf
}

func decodePayload(data []byte) (*nmsgapi.Payload, error) {
	p := &nmsgapi.Payload{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("container: bad payload tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == payload.FieldVid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad vid: %w", protowire.ParseError(n))
			}
			p.Vid = uint32(v)
			data = data[n:]
		case num == payload.FieldMsgType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad msgtype: %w", protowire.ParseError(n))
			}
			p.MsgType = uint32(v)
			data = data[n:]
		case num == payload.FieldTimeSec && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad time_sec: %w", protowire.ParseError(n))
			}
			p.TimeSec = v
			data = data[n:]
		case num == payload.FieldTimeNsec && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad time_nsec: %w", protowire.ParseError(n))
			}
			p.TimeNsec = uint32(v)
			data = data[n:]
		case num == payload.FieldSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad source: %w", protowire.ParseError(n))
			}
			src := uint32(v)
			p.Source = &src
			data = data[n:]
		case num == payload.FieldOperator && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad operator: %w", protowire.ParseError(n))
			}
			op := uint32(v)
			p.Operator = &op
			data = data[n:]
		case num == payload.FieldGroup && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad group: %w", protowire.ParseError(n))
			}
			grp := uint32(v)
			p.Group = &grp
			data = data[n:]
		case num == payload.FieldBody && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad payload body: %w", protowire.ParseError(n))
			}
			p.Body = append([]byte(nil), b...)
			p.HasPayload = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("container: bad payload field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return p, nil
}
