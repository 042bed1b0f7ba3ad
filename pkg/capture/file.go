package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	stdio "io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/nmsg/internal/nmsg/link"
)

const pcapngMagic = 0x0a0d0d0a

// FileSource reads frames out of an offline capture file, satisfying
// spec.md §1's "or offline packet files" half of the frame source
// boundary without linking libpcap.
type FileSource struct {
	closer   stdio.Closer
	linkType layers.LinkType
	next     func() ([]byte, int, int, error)
}

// NewFileSource opens r as a pcap or pcapng capture stream, sniffing
// the format from its first block's magic number. r is read
// sequentially and never seeked.
func NewFileSource(r stdio.Reader) (*FileSource, error) {
	closer, _ := r.(stdio.Closer)
	br := bufio.NewReader(r)

	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture: read capture file header: %w", err)
	}

	fs := &FileSource{closer: closer}
	if binary.BigEndian.Uint32(head) == pcapngMagic {
		ngReader, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("capture: open pcapng stream: %w", err)
		}
		fs.linkType = ngReader.LinkType()
		fs.next = func() ([]byte, int, int, error) {
			data, ci, err := ngReader.ReadPacketData()
			if err != nil {
				return nil, 0, 0, err
			}
			return data, ci.CaptureLength, ci.Length, nil
		}
		return fs, nil
	}

	pcapReader, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("capture: open pcap stream: %w", err)
	}
	fs.linkType = pcapReader.LinkType()
	fs.next = func() ([]byte, int, int, error) {
		data, ci, err := pcapReader.ReadPacketData()
		if err != nil {
			return nil, 0, 0, err
		}
		return data, ci.CaptureLength, ci.Length, nil
	}
	return fs, nil
}

var _ Source = (*FileSource)(nil)

func (s *FileSource) ReadFrame() (link.Frame, error) {
	data, capLen, wireLen, err := s.next()
	if err != nil {
		return link.Frame{}, err
	}
	return link.Frame{
		Bytes:       data,
		CapturedLen: capLen,
		WireLen:     wireLen,
		LinkType:    s.linkType,
	}, nil
}

func (s *FileSource) Close() error {
	s.next = func() ([]byte, int, int, error) { return nil, 0, 0, ErrClosed }
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
