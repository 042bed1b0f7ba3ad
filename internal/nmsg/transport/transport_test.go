package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

func TestParseUDP(t *testing.T) {
	body := []byte("hello")
	udp := make([]byte, 8+len(body))
	udp[0], udp[1] = 0x00, 0x35 // source port 53
	udp[2], udp[3] = 0xC0, 0x00
	udpLen := 8 + len(body)
	udp[4], udp[5] = byte(udpLen>>8), byte(udpLen)
	copy(udp[8:], body)

	dg, err := Parse(ProtoUDP, udp)
	assert.NoError(t, err)
	assert.Equal(t, body, dg.Payload)
	assert.False(t, dg.Raw)
}

func TestParseUDPTruncated(t *testing.T) {
	_, err := Parse(ProtoUDP, []byte{0, 1, 2})
	assert.ErrorIs(t, err, nmsgapi.ErrAgain)
}

func TestParseTCP(t *testing.T) {
	body := []byte("payload")
	tcp := make([]byte, 20+len(body))
	tcp[12] = 5 << 4 // data offset = 5 * 4 = 20, no options
	copy(tcp[20:], body)

	dg, err := Parse(ProtoTCP, tcp)
	assert.NoError(t, err)
	assert.Equal(t, body, dg.Payload)
}

func TestParseTCPBadDataOffset(t *testing.T) {
	tcp := make([]byte, 20)
	tcp[12] = 0x20 // data offset = 2*4 = 8, shorter than the fixed header
	_, err := Parse(ProtoTCP, tcp)
	assert.Error(t, err)
	assert.ErrorIs(t, err, nmsgapi.ErrMalformed)
}

func TestParseICMP(t *testing.T) {
	body := []byte("echo")
	icmp := append(make([]byte, 8), body...)
	dg, err := Parse(ProtoICMP, icmp)
	assert.NoError(t, err)
	assert.Equal(t, body, dg.Payload)
}

func TestParseUnknownProtocol(t *testing.T) {
	_, err := Parse(253, []byte{1, 2, 3})
	assert.ErrorIs(t, err, nmsgapi.ErrAgain)
}

func TestParseRaw(t *testing.T) {
	body := []byte("fragment body")
	dg := ParseRaw(body)
	assert.True(t, dg.Raw)
	assert.Equal(t, body, dg.Payload)
}
