package io

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/container"
	"firestige.xyz/nmsg/internal/nmsg/module"
)

// Output is the discriminated union of writer kinds the design calls
// out: file-stream, datagram-socket, presentation-text, and
// user-callback. Each accumulates payloads until Flush produces a
// container (or, for presentation outputs, writes a line per payload
// immediately).
type Output interface {
	// Append adds one payload to the output's pending batch. It returns
	// an error only for unrecoverable write failures; a full buffer
	// triggers an implicit Flush rather than failing.
	Append(p *nmsgapi.Payload) error
	// Flush forces any buffered payloads out as a container (a no-op
	// for outputs with no internal batching).
	Flush() error
	// Close flushes and releases any underlying resource (file
	// descriptor, socket, buffer). Context appends nothing to a closed
	// output until its handle is reopened; an implementation itself need
	// not reject Append after Close.
	Close() error
}

// NmsgFileOutput writes length-prefixed encoded containers to an
// io.Writer, batching payloads up to bufSize bytes per container,
// mirroring the design's "file stream" output kind.
type NmsgFileOutput struct {
	w       io.Writer
	codec   container.Codec
	bufSize int
	zlib    bool

	pending []*nmsgapi.Payload
	pendingSize int
}

// NewNmsgFileOutput wraps w (typically an *os.File) as a container
// output. bufSize bounds how many bytes of payload the output
// accumulates before an automatic Flush; 0 selects a 8 KiB default.
func NewNmsgFileOutput(w io.Writer, codec container.Codec, bufSize int, zlibout bool) *NmsgFileOutput {
	if bufSize <= 0 {
		bufSize = 8192
	}
	return &NmsgFileOutput{w: w, codec: codec, bufSize: bufSize, zlib: zlibout}
}

var _ Output = (*NmsgFileOutput)(nil)

func (o *NmsgFileOutput) Append(p *nmsgapi.Payload) error {
	o.pending = append(o.pending, p)
	o.pendingSize += len(p.Body)
	if o.pendingSize >= o.bufSize {
		return o.Flush()
	}
	return nil
}

func (o *NmsgFileOutput) Flush() error {
	if len(o.pending) == 0 {
		return nil
	}

	var flags uint32
	if o.zlib {
		flags |= container.FlagZlib
	}
	body := o.codec.EncodeContainer(o.pending, flags)
	if o.zlib {
		body = container.Deflate(body)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := o.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("io: write container length: %w", err)
	}
	if _, err := o.w.Write(body); err != nil {
		return fmt.Errorf("io: write container body: %w", err)
	}

	o.pending = o.pending[:0]
	o.pendingSize = 0
	return nil
}

func (o *NmsgFileOutput) Close() error {
	if err := o.Flush(); err != nil {
		return err
	}
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NmsgDatagramOutput writes one container per flush, always wrapped in
// the fragment envelope (a single current==last==0 piece when it fits
// under mtu, multiple otherwise), so DatagramNmsgReader's Defragmenter
// has one code path regardless of split, mirroring the design's
// "datagram socket" output kind.
type NmsgDatagramOutput struct {
	conn  net.Conn
	codec container.Codec
	mtu   int
	zlib  bool

	pending     []*nmsgapi.Payload
	containerID uint32
}

// NewNmsgDatagramOutput wraps conn (typically a connected UDP socket)
// as a per-datagram container output.
func NewNmsgDatagramOutput(conn net.Conn, codec container.Codec, mtu int, zlibout bool) *NmsgDatagramOutput {
	if mtu <= 0 {
		mtu = 1400
	}
	return &NmsgDatagramOutput{conn: conn, codec: codec, mtu: mtu, zlib: zlibout}
}

var _ Output = (*NmsgDatagramOutput)(nil)

func (o *NmsgDatagramOutput) Append(p *nmsgapi.Payload) error {
	o.pending = append(o.pending, p)
	return o.Flush()
}

func (o *NmsgDatagramOutput) Flush() error {
	if len(o.pending) == 0 {
		return nil
	}
	var flags uint32
	if o.zlib {
		flags |= container.FlagZlib
	}
	body := o.codec.EncodeContainer(o.pending, flags)
	if o.zlib {
		body = container.Deflate(body)
	}
	o.pending = o.pending[:0]

	// Every datagram goes out wrapped in the fragment envelope, even
	// when it fits in one piece, so DatagramNmsgReader's Defragmenter
	// has a single code path for both the split and unsplit case.
	o.containerID++
	for _, piece := range container.Split(o.codec, o.containerID, body, o.mtu-16) {
		if _, err := o.conn.Write(piece); err != nil {
			return fmt.Errorf("io: write fragment: %w", err)
		}
	}
	return nil
}

func (o *NmsgDatagramOutput) Close() error {
	if err := o.Flush(); err != nil {
		return err
	}
	return o.conn.Close()
}

// PresentationOutput writes one textual line per payload via the
// registered module's Pbuf2Pres, prefixed by a header line, mirroring
// write_pres in original_source/nmsg/nmsg_io.c.
type PresentationOutput struct {
	w        *bufio.Writer
	closer   io.Closer
	modules  *module.Registry
	endline  string
	quiet    bool
}

// NewPresentationOutput wraps w as a presentation-text output. endline
// defaults to "\\\n" (a literal backslash followed by newline) per the
// design's default, and modules resolves each payload's (vid, msgtype)
// to its text renderer.
func NewPresentationOutput(w io.Writer, modules *module.Registry, endline string, quiet bool) *PresentationOutput {
	if endline == "" {
		endline = "\\\n"
	}
	closer, _ := w.(io.Closer)
	return &PresentationOutput{w: bufio.NewWriter(w), closer: closer, modules: modules, endline: endline, quiet: quiet}
}

var _ Output = (*PresentationOutput)(nil)

func (o *PresentationOutput) Append(p *nmsgapi.Payload) error {
	m, ok := o.modules.Lookup(p.Vid, p.MsgType)
	var text string
	var err error
	if ok {
		text, err = m.Pbuf2Pres(p.Body)
		if err != nil {
			return fmt.Errorf("io: render presentation line: %w", err)
		}
	} else {
		text = string(p.Body)
	}

	ts := time.Unix(int64(p.TimeSec), int64(p.TimeNsec))
	if !o.quiet {
		header := fmt.Sprintf("[%d] %s [%d:%d %s %s]",
			len(p.Body), ts.UTC().Format("2006-01-02 15:04:05.000000000"),
			p.Vid, p.MsgType, vidName(p.Vid), msgTypeName(p.Vid, p.MsgType))
		if _, err := o.w.WriteString(header + o.endline); err != nil {
			return err
		}
	}
	if _, err := o.w.WriteString(text); err != nil {
		return err
	}
	if len(text) == 0 || text[len(text)-1] != '\n' {
		if _, err := o.w.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

func (o *PresentationOutput) Flush() error {
	return o.w.Flush()
}

func (o *PresentationOutput) Close() error {
	if err := o.Flush(); err != nil {
		return err
	}
	if o.closer != nil {
		return o.closer.Close()
	}
	return nil
}

func vidName(vid uint32) string     { return fmt.Sprintf("vid%d", vid) }
func msgTypeName(vid, msgType uint32) string { return fmt.Sprintf("msgtype%d", msgType) }

// CallbackOutput hands each payload to a user function, which takes
// ownership of it afterward, mirroring the design's "callback" output
// kind.
type CallbackOutput struct {
	fn func(p *nmsgapi.Payload, cookie any) error
	cookie any
}

// NewCallbackOutput builds a callback output; cookie is passed through
// to every invocation of fn unchanged.
func NewCallbackOutput(fn func(p *nmsgapi.Payload, cookie any) error, cookie any) *CallbackOutput {
	return &CallbackOutput{fn: fn, cookie: cookie}
}

var _ Output = (*CallbackOutput)(nil)

func (o *CallbackOutput) Append(p *nmsgapi.Payload) error { return o.fn(p, o.cookie) }
func (o *CallbackOutput) Flush() error                    { return nil }
func (o *CallbackOutput) Close() error                    { return nil }
