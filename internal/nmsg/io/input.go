package io

import (
	"bufio"
	"fmt"
	stdio "io"

	"firestige.xyz/nmsg/internal/log"
	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/container"
	"firestige.xyz/nmsg/internal/nmsg/module"
)

// NmsgReader supplies encoded containers, one per call, until it
// returns an error (io.EOF for clean end of stream).
type NmsgReader interface {
	ReadContainer() ([]byte, error)
	Close() error
}

// PresentationReader supplies presentation-format lines, one per call.
type PresentationReader interface {
	ReadLine() (string, error)
	Close() error
}

// FileNmsgReader reads length-prefixed containers from an io.Reader,
// the wire format NmsgFileOutput writes.
type FileNmsgReader struct {
	r      *bufio.Reader
	closer stdio.Closer
}

// NewFileNmsgReader wraps r (typically an *os.File) as a container
// source.
func NewFileNmsgReader(r stdio.Reader) *FileNmsgReader {
	closer, _ := r.(stdio.Closer)
	return &FileNmsgReader{r: bufio.NewReader(r), closer: closer}
}

var _ NmsgReader = (*FileNmsgReader)(nil)

func (f *FileNmsgReader) ReadContainer() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := stdio.ReadFull(f.r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := int(lenPrefix[0])<<24 | int(lenPrefix[1])<<16 | int(lenPrefix[2])<<8 | int(lenPrefix[3])
	body := make([]byte, n)
	if _, err := stdio.ReadFull(f.r, body); err != nil {
		return nil, fmt.Errorf("io: short container read: %w", err)
	}
	if len(body) >= 2 && body[0] == 0x78 {
		inflated, err := container.Inflate(body)
		if err != nil {
			return nil, fmt.Errorf("io: inflate container body: %w", err)
		}
		return inflated, nil
	}
	return body, nil
}

func (f *FileNmsgReader) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// DatagramNmsgReader reads raw datagrams from a packet-oriented reader
// function and feeds each through a container.Defragmenter, yielding a
// re-encoded container once a fragmented one completes. Every datagram
// is read as a fragment envelope (a container that fits in one datagram
// arrives as a single-piece envelope); a bare container is not
// recognized.
type DatagramNmsgReader struct {
	recv   func(buf []byte) (int, error)
	codec  container.Codec
	defrag *container.Defragmenter
	buf    []byte
}

// NewDatagramNmsgReader builds a reader around recv, a function that
// fills buf with the next datagram and returns its length (the shape
// net.PacketConn.Read / net.Conn.Read already have).
func NewDatagramNmsgReader(recv func(buf []byte) (int, error), codec container.Codec) *DatagramNmsgReader {
	return &DatagramNmsgReader{
		recv:   recv,
		codec:  codec,
		defrag: container.NewDefragmenter(codec),
		buf:    make([]byte, 65536),
	}
}

var _ NmsgReader = (*DatagramNmsgReader)(nil)

func (d *DatagramNmsgReader) ReadContainer() ([]byte, error) {
	for {
		n, err := d.recv(d.buf)
		if err != nil {
			return nil, err
		}
		datagram := d.buf[:n]

		payloads, flags, ok, err := d.defrag.Feed(datagram)
		if err != nil {
			// Malformed fragment: drop and keep reading, per the
			// design's Again semantics for partial container reads.
			log.GetLogger().WithError(err).Warn("io: dropping malformed datagram fragment")
			continue
		}
		if !ok {
			continue
		}
		return d.codec.EncodeContainer(payloads, flags), nil
	}
}

func (d *DatagramNmsgReader) Close() error { return nil }

// ScannerPresentationReader reads presentation lines via bufio.Scanner,
// which starts with a 1024-byte buffer and grows as needed up to
// bufio.MaxScanTokenSize; a longer line ends the reader with an error.
type ScannerPresentationReader struct {
	scanner *bufio.Scanner
	closer  stdio.Closer
}

// NewScannerPresentationReader wraps r as a line-oriented presentation
// input.
func NewScannerPresentationReader(r stdio.Reader) *ScannerPresentationReader {
	closer, _ := r.(stdio.Closer)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), bufio.MaxScanTokenSize)
	return &ScannerPresentationReader{scanner: sc, closer: closer}
}

var _ PresentationReader = (*ScannerPresentationReader)(nil)

func (s *ScannerPresentationReader) ReadLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", stdio.EOF
	}
	return s.scanner.Text(), nil
}

func (s *ScannerPresentationReader) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// inputHandle pairs a reader with the single module a presentation
// input uses for text-to-binary conversion, plus the close-event
// cookie.
type inputHandle struct {
	subtype    nmsgapi.HandleSubtype
	nmsgReader NmsgReader
	presReader PresentationReader
	module     module.Module
	cookie     any
}
