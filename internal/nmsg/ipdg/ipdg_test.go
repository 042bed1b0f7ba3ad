package ipdg

import (
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/ipreasm"
	"firestige.xyz/nmsg/internal/nmsg/link"
)

func mkFrame(network []byte) link.Frame {
	eth := make([]byte, 14, 14+len(network))
	eth[12], eth[13] = byte(layers.EthernetTypeIPv4>>8), byte(layers.EthernetTypeIPv4)
	eth = append(eth, network...)
	return link.Frame{
		Bytes:       eth,
		CapturedLen: len(eth),
		WireLen:     len(eth),
		LinkType:    layers.LinkTypeEthernet,
	}
}

func buildUDPDatagram(body []byte) []byte {
	udp := make([]byte, 8+len(body))
	udpLen := len(udp)
	udp[4], udp[5] = byte(udpLen>>8), byte(udpLen)
	copy(udp[8:], body)

	ip := make([]byte, 20+len(udp))
	ip[0] = 0x45
	totLen := len(ip)
	ip[2], ip[3] = byte(totLen>>8), byte(totLen)
	ip[9] = 17 // UDP
	ip[12], ip[13], ip[14], ip[15] = 10, 0, 0, 1
	ip[16], ip[17], ip[18], ip[19] = 10, 0, 0, 2
	copy(ip[20:], udp)
	return ip
}

func TestParseNonFragmentUDP(t *testing.T) {
	network := buildUDPDatagram([]byte("hello world"))
	frame := mkFrame(network)

	dg, err := Parse(frame, nil, true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), dg.Payload)
	assert.False(t, dg.Defrag)
	assert.False(t, dg.Raw)
	assert.EqualValues(t, 17, dg.Proto)
}

func TestParseRawModeNonInitialFragment(t *testing.T) {
	// A non-initial IPv4 fragment (offset unit 1, MF unset): in raw
	// mode (no reassembly table) its body is exposed directly.
	body := []byte("fragment tail bytes")
	ip := make([]byte, 20+len(body))
	ip[0] = 0x45
	totLen := len(ip)
	ip[2], ip[3] = byte(totLen>>8), byte(totLen)
	ip[6], ip[7] = 0x00, 0x01 // offset unit 1, no MF
	ip[9] = 17
	ip[12], ip[13], ip[14], ip[15] = 10, 0, 0, 1
	ip[16], ip[17], ip[18], ip[19] = 10, 0, 0, 2
	copy(ip[20:], body)

	dg, err := Parse(mkFrame(ip), nil, true, time.Now())
	require.NoError(t, err)
	assert.True(t, dg.Raw)
	assert.Equal(t, body, dg.Payload)
}

func TestParseWithReassemblyTable(t *testing.T) {
	body := []byte("HELLOOO!WORLD12") // arbitrary payload
	udp := buildUDPDatagram(body)
	ipPayload := udp[20:] // the UDP header+body that the IP header wraps

	first := make([]byte, 20+8)
	first[0] = 0x45
	totLen := len(first)
	first[2], first[3] = byte(totLen>>8), byte(totLen)
	first[6], first[7] = 0x20, 0x00 // offset 0, MF set
	first[9] = 17
	first[12], first[13], first[14], first[15] = 10, 0, 0, 1
	first[16], first[17], first[18], first[19] = 10, 0, 0, 2
	copy(first[20:], ipPayload[:8])

	rest := ipPayload[8:]
	second := make([]byte, 20+len(rest))
	second[0] = 0x45
	totLen2 := len(second)
	second[2], second[3] = byte(totLen2>>8), byte(totLen2)
	second[6], second[7] = 0x00, 0x01 // offset unit 1 == byte 8, no MF
	second[9] = 17
	second[12], second[13], second[14], second[15] = 10, 0, 0, 1
	second[16], second[17], second[18], second[19] = 10, 0, 0, 2
	copy(second[20:], rest)

	tbl := ipreasm.NewTable(time.Minute)
	now := time.Now()

	_, err := Parse(mkFrame(first), tbl, true, now)
	assert.ErrorIs(t, err, nmsgapi.ErrAgain)

	dg, err := Parse(mkFrame(second), tbl, true, now)
	require.NoError(t, err)
	assert.True(t, dg.Defrag)
	assert.Equal(t, body, dg.Payload)
}
