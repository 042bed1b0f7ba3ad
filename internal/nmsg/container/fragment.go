package container

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/fragtable"
)

// defaultMaxFragmentBody is the fragment payload size Split uses when
// its caller passes maxBody <= 0; callers otherwise pick maxBody to fit
// under their transport's MTU.
const defaultMaxFragmentBody = 1200

// Split divides an already-encoded container into fragment-wrapper
// messages no larger than maxBody bytes of fragment payload each, using
// containerID to tag every piece. The final piece has current == last.
func Split(codec Codec, containerID uint32, encoded []byte, maxBody int) [][]byte {
	if maxBody <= 0 {
		maxBody = defaultMaxFragmentBody
	}

	total := len(encoded)
	last := uint32((total + maxBody - 1) / maxBody)
	if last > 0 {
		last--
	}

	var pieces [][]byte
	for current := uint32(0); ; current++ {
		start := int(current) * maxBody
		end := start + maxBody
		if end > total {
			end = total
		}
		pieces = append(pieces, codec.EncodeFragment(containerID, current, last, encoded[start:end]))
		if current == last {
			break
		}
	}
	return pieces
}

// Defragmenter reassembles container fragments received over an
// unreliable transport back into complete, decoded containers,
// combining package fragtable's C6 reassembly with optional
// zlib-inflate and container decoding.
type Defragmenter struct {
	codec Codec
	table *fragtable.Table
}

// NewDefragmenter builds a Defragmenter with the default GC interval.
func NewDefragmenter(codec Codec) *Defragmenter {
	return &Defragmenter{codec: codec, table: fragtable.NewTable()}
}

// Feed ingests one fragment wrapper message. If it completes its
// container, the decoded payloads and flags are returned with ok true.
func (d *Defragmenter) Feed(data []byte) (payloads []*nmsgapi.Payload, flags uint32, ok bool, err error) {
	id, current, last, body, err := d.codec.DecodeFragment(data)
	if err != nil {
		return nil, 0, false, err
	}

	result, reassembled := d.table.Insert(id, current, last, body)
	switch result {
	case fragtable.InsertAccepted, fragtable.InsertDuplicate:
		return nil, 0, false, nil
	case fragtable.InsertComplete:
		if looksZlib(reassembled) {
			reassembled, err = Inflate(reassembled)
			if err != nil {
				return nil, 0, false, fmt.Errorf("container: inflate fragment reassembly: %w", err)
			}
		}
		ps, fl, err := d.codec.DecodeContainer(reassembled)
		if err != nil {
			return nil, 0, false, err
		}
		return ps, fl, true, nil
	default:
		return nil, 0, false, nil
	}
}

// Deflate zlib-compresses data, used when FlagZlib is set on output.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// looksZlib reports whether data's leading bytes match the zlib header
// byte (0x78) that compress/zlib.NewWriter always emits, the same
// heuristic used on every container read path to decide whether a
// body needs Inflate before it reaches a Codec.
func looksZlib(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x78
}

// Inflate reverses Deflate, used on any read path (file, datagram,
// fragment reassembly) that may see a FlagZlib-compressed container
// body.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
