package ipreasm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildIPv4Fragment constructs a minimal 20-byte IPv4 header plus body,
// setting the fragment offset (in 8-byte units) and the more-fragments
// flag the way a real fragmented datagram's wire bytes would look.
func buildIPv4Fragment(id uint16, fragOffsetUnits uint16, moreFragments bool, body []byte) []byte {
	pkt := make([]byte, 20+len(body))
	pkt[0] = 0x45 // version 4, IHL 5
	totLen := len(pkt)
	pkt[2], pkt[3] = byte(totLen>>8), byte(totLen)
	pkt[4], pkt[5] = byte(id>>8), byte(id)

	off := fragOffsetUnits & ipv4OffsetMask
	if moreFragments {
		off |= ipv4FlagMF
	}
	pkt[6], pkt[7] = byte(off>>8), byte(off)
	pkt[9] = 17 // UDP, arbitrary

	pkt[12], pkt[13], pkt[14], pkt[15] = 10, 0, 0, 1
	pkt[16], pkt[17], pkt[18], pkt[19] = 10, 0, 0, 2
	copy(pkt[20:], body)
	return pkt
}

func TestSubmitNoneForNonFragment(t *testing.T) {
	tbl := NewTable(time.Minute)
	pkt := buildIPv4Fragment(1, 0, false, []byte("whole datagram"))
	// offset 0 and MF unset means this isn't fragmented at all.
	res, entry, err := tbl.Submit(pkt, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, SubmitNone, res)
	assert.Nil(t, entry)
}

func TestSubmitTwoFragmentsCompletes(t *testing.T) {
	tbl := NewTable(time.Minute)
	now := time.Now()

	// a non-final fragment's body length must be a multiple of 8 bytes.
	first := buildIPv4Fragment(42, 0, true, []byte("HELLOOO!")) // 8 bytes
	second := buildIPv4Fragment(42, 1, false, []byte("WORLD"))  // offset unit 1 == byte 8

	res, entry, err := tbl.Submit(first, now)
	require.NoError(t, err)
	assert.Equal(t, SubmitAccepted, res)
	assert.Nil(t, entry)
	assert.Equal(t, uint64(1), tbl.Waiting())

	res, entry, err = tbl.Submit(second, now)
	require.NoError(t, err)
	require.Equal(t, SubmitComplete, res)
	require.NotNil(t, entry)
	assert.Equal(t, uint64(0), tbl.Waiting())

	out, err := Assemble(entry)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLOOO!WORLD"), out[20:])
}

func TestSetTimeoutRefusedWithEntriesInFlight(t *testing.T) {
	tbl := NewTable(time.Minute)
	first := buildIPv4Fragment(7, 0, true, []byte("12345678"))
	_, _, err := tbl.Submit(first, time.Now())
	require.NoError(t, err)

	err = tbl.SetTimeout(5 * time.Second)
	assert.Error(t, err)
}

func TestEntriesExpireAfterTimeout(t *testing.T) {
	tbl := NewTable(10 * time.Millisecond)
	now := time.Now()
	first := buildIPv4Fragment(9, 0, true, []byte("12345678"))
	_, _, err := tbl.Submit(first, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tbl.Waiting())

	later := now.Add(time.Second)
	// Submitting an unrelated packet triggers the expiry sweep.
	_, _, _ = tbl.Submit(buildIPv4Fragment(10, 0, false, []byte("x")), later)
	assert.Equal(t, uint64(0), tbl.Waiting())
	assert.Equal(t, uint64(1), tbl.TimedOut())
}
