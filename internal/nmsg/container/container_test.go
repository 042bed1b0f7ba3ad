package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

func TestWireCodecContainerRoundTrip(t *testing.T) {
	src := uint32(7)
	p1 := &nmsgapi.Payload{Vid: 1, MsgType: 2, TimeSec: 100, TimeNsec: 200, HasPayload: true, Body: []byte("first"), Source: &src}
	p2 := &nmsgapi.Payload{Vid: 3, MsgType: 4, TimeSec: 300, TimeNsec: 400, HasPayload: true, Body: []byte("second")}

	c := WireCodec{}
	encoded := c.EncodeContainer([]*nmsgapi.Payload{p1, p2}, FlagZlib)

	payloads, flags, err := c.DecodeContainer(encoded)
	require.NoError(t, err)
	assert.EqualValues(t, FlagZlib, flags)
	require.Len(t, payloads, 2)

	assert.Equal(t, uint32(1), payloads[0].Vid)
	assert.Equal(t, []byte("first"), payloads[0].Body)
	require.NotNil(t, payloads[0].Source)
	assert.Equal(t, src, *payloads[0].Source)

	assert.Equal(t, uint32(3), payloads[1].Vid)
	assert.Equal(t, []byte("second"), payloads[1].Body)
	assert.Nil(t, payloads[1].Source)
}

func TestWireCodecContainerNoFlags(t *testing.T) {
	c := WireCodec{}
	encoded := c.EncodeContainer(nil, 0)
	payloads, flags, err := c.DecodeContainer(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), flags)
	assert.Empty(t, payloads)
}

func TestWireCodecFragmentRoundTrip(t *testing.T) {
	c := WireCodec{}
	body := []byte("a chunk of an oversized container")
	encoded := c.EncodeFragment(42, 1, 3, body)

	id, current, last, decodedBody, err := c.DecodeFragment(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)
	assert.Equal(t, uint32(1), current)
	assert.Equal(t, uint32(3), last)
	assert.Equal(t, body, decodedBody)
}
