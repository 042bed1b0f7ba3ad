package io

import (
	"io"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/nmsg/internal/nmsg/container"
	"firestige.xyz/nmsg/internal/nmsg/link"
)

// fakeFrameSource replays a fixed slice of frames, then returns io.EOF.
type fakeFrameSource struct {
	frames []link.Frame
	pos    int
}

func (f *fakeFrameSource) ReadFrame() (link.Frame, error) {
	if f.pos >= len(f.frames) {
		return link.Frame{}, io.EOF
	}
	fr := f.frames[f.pos]
	f.pos++
	return fr, nil
}

func (f *fakeFrameSource) Close() error { return nil }

func udpEthernetFrame(body []byte) link.Frame {
	udp := make([]byte, 8+len(body))
	udpLen := len(udp)
	udp[4], udp[5] = byte(udpLen>>8), byte(udpLen)
	copy(udp[8:], body)

	ip := make([]byte, 20+len(udp))
	ip[0] = 0x45
	totLen := len(ip)
	ip[2], ip[3] = byte(totLen>>8), byte(totLen)
	ip[9] = 17
	ip[12], ip[13], ip[14], ip[15] = 10, 0, 0, 1
	ip[16], ip[17], ip[18], ip[19] = 10, 0, 0, 2
	copy(ip[20:], udp)

	eth := make([]byte, 14, 14+len(ip))
	eth[12], eth[13] = 0x08, 0x00 // EtherType IPv4
	eth = append(eth, ip...)

	return link.Frame{
		Bytes:       eth,
		CapturedLen: len(eth),
		WireLen:     len(eth),
		LinkType:    layers.LinkTypeEthernet,
	}
}

func TestCaptureNmsgReaderBatchesPayloads(t *testing.T) {
	src := &fakeFrameSource{frames: []link.Frame{
		udpEthernetFrame([]byte("one")),
		udpEthernetFrame([]byte("two")),
	}}
	codec := container.WireCodec{}
	r := NewCaptureNmsgReader(src, codec, CaptureConfig{BatchSize: 2, Vid: 5, MsgType: 6, RequireComplete: true})

	data, err := r.ReadContainer()
	require.NoError(t, err)

	payloads, _, err := codec.DecodeContainer(data)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, []byte("one"), payloads[0].Body)
	assert.Equal(t, []byte("two"), payloads[1].Body)
	assert.Equal(t, uint32(5), payloads[0].Vid)
	assert.Equal(t, uint32(6), payloads[0].MsgType)
}

func TestCaptureNmsgReaderFlushesPartialBatchOnEOF(t *testing.T) {
	src := &fakeFrameSource{frames: []link.Frame{udpEthernetFrame([]byte("only"))}}
	codec := container.WireCodec{}
	r := NewCaptureNmsgReader(src, codec, CaptureConfig{BatchSize: 10, RequireComplete: true})

	data, err := r.ReadContainer()
	require.NoError(t, err)
	payloads, _, err := codec.DecodeContainer(data)
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	_, err = r.ReadContainer()
	assert.Error(t, err)
}

func TestCaptureConfigDefaults(t *testing.T) {
	cfg := CaptureConfig{}
	cfg.setDefaults()
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.ReassemblyTimeout)
}
