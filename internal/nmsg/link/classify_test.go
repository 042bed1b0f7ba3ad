package link

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

func ethFrame(etype uint16, rest ...byte) []byte {
	f := make([]byte, 14)
	f[12] = byte(etype >> 8)
	f[13] = byte(etype)
	return append(f, rest...)
}

func TestClassifyEthernetIPv4(t *testing.T) {
	f := Frame{Bytes: ethFrame(uint16(layers.EthernetTypeIPv4)), CapturedLen: 14, WireLen: 14, LinkType: layers.LinkTypeEthernet}
	c, err := Classify(f, true)
	assert.NoError(t, err)
	assert.Equal(t, EtherTypeIPv4, c.EtherType)
	assert.Equal(t, 14, c.Offset)
}

func TestClassifyEthernetVLAN(t *testing.T) {
	data := ethFrame(etherTypeVLAN, 0x00, 0x01, byte(layers.EthernetTypeIPv6>>8), byte(layers.EthernetTypeIPv6))
	f := Frame{Bytes: data, CapturedLen: len(data), WireLen: len(data), LinkType: layers.LinkTypeEthernet}
	c, err := Classify(f, true)
	assert.NoError(t, err)
	assert.Equal(t, EtherTypeIPv6, c.EtherType)
	assert.Equal(t, 18, c.Offset)
}

func TestClassifyRequireCompleteDropsTruncated(t *testing.T) {
	f := Frame{Bytes: ethFrame(uint16(layers.EthernetTypeIPv4)), CapturedLen: 10, WireLen: 14, LinkType: layers.LinkTypeEthernet}
	_, err := Classify(f, true)
	assert.ErrorIs(t, err, nmsgapi.ErrAgain)
}

func TestClassifyRawIPv4(t *testing.T) {
	f := Frame{Bytes: []byte{0x45, 0, 0, 0}, CapturedLen: 4, WireLen: 4, LinkType: layers.LinkTypeRaw}
	c, err := Classify(f, true)
	assert.NoError(t, err)
	assert.Equal(t, EtherTypeIPv4, c.EtherType)
	assert.Equal(t, 0, c.Offset)
}

func TestClassifyRawUnknownVersion(t *testing.T) {
	f := Frame{Bytes: []byte{0x15}, CapturedLen: 1, WireLen: 1, LinkType: layers.LinkTypeRaw}
	_, err := Classify(f, true)
	assert.ErrorIs(t, err, nmsgapi.ErrAgain)
}

func TestClassifyLinuxCooked(t *testing.T) {
	data := make([]byte, 16)
	data[14] = byte(layers.EthernetTypeIPv4 >> 8)
	data[15] = byte(layers.EthernetTypeIPv4)
	f := Frame{Bytes: data, CapturedLen: 16, WireLen: 16, LinkType: layers.LinkTypeLinuxSLL}
	c, err := Classify(f, true)
	assert.NoError(t, err)
	assert.Equal(t, EtherTypeIPv4, c.EtherType)
	assert.Equal(t, 16, c.Offset)
}

func TestClassifyUnsupportedLinkType(t *testing.T) {
	f := Frame{Bytes: []byte{1, 2, 3}, CapturedLen: 3, WireLen: 3, LinkType: layers.LinkTypePPP}
	_, err := Classify(f, true)
	assert.ErrorIs(t, err, nmsgapi.ErrAgain)
}
