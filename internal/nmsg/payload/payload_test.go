package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

func TestMake(t *testing.T) {
	ts := time.Unix(1000, 123456789)
	p := Make([]byte("body"), 11, 22, ts)

	assert.Equal(t, uint32(11), p.Vid)
	assert.Equal(t, uint32(22), p.MsgType)
	assert.Equal(t, uint64(1000), p.TimeSec)
	assert.Equal(t, uint32(123456789), p.TimeNsec)
	assert.True(t, p.HasPayload)
	assert.Equal(t, []byte("body"), p.Body)
}

func TestMakeCopiesBody(t *testing.T) {
	body := []byte("mutate me")
	p := Make(body, 0, 0, time.Now())
	body[0] = 'X'
	assert.Equal(t, byte('m'), p.Body[0])
}

func TestDupIsIndependent(t *testing.T) {
	src := uint32(5)
	p := &nmsgapi.Payload{Vid: 1, HasPayload: true, Body: []byte("orig"), Source: &src}
	dup := Dup(p)

	dup.Body[0] = 'X'
	assert.Equal(t, byte('o'), p.Body[0])

	*dup.Source = 9
	assert.Equal(t, uint32(5), *p.Source)
}

func TestFreeClearsBody(t *testing.T) {
	p := &nmsgapi.Payload{HasPayload: true, Body: []byte("gone")}
	Free(p)
	assert.Nil(t, p.Body)
	assert.False(t, p.HasPayload)
}

func TestSizeGrowsWithOptionalFields(t *testing.T) {
	base := &nmsgapi.Payload{Vid: 1, MsgType: 2}
	baseSize := Size(base)

	src := uint32(3)
	withSource := &nmsgapi.Payload{Vid: 1, MsgType: 2, Source: &src}
	assert.Greater(t, Size(withSource), baseSize)

	withBody := &nmsgapi.Payload{Vid: 1, MsgType: 2, HasPayload: true, Body: []byte("hello")}
	assert.Greater(t, Size(withBody), baseSize)
}
