package ipreasm

import (
	"fmt"
	"time"
)

// defaultBuckets is the recommended prime bucket count from the design
// (reasm.c uses REASM_IP_HASH_SIZE 1021).
const defaultBuckets = 1021

// Table is a fixed-size bucket array of in-flight fragment entries, plus
// the time-ordered expiry list and the counters from the design's
// Reassembly Table data model.
type Table struct {
	buckets []*Entry
	timeHead, timeTail *Entry

	timeout time.Duration

	waiting, maxWaiting, timedOut, droppedFrags uint64
}

// NewTable builds a reassembly table with the recommended prime bucket
// count and the given fragment timeout.
func NewTable(timeout time.Duration) *Table {
	return NewTableSize(defaultBuckets, timeout)
}

// NewTableSize builds a reassembly table with an explicit bucket count,
// for callers who want a different memory/collision tradeoff than the
// default 1021.
func NewTableSize(buckets int, timeout time.Duration) *Table {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	return &Table{
		buckets: make([]*Entry, buckets),
		timeout: timeout,
	}
}

// SetTimeout changes the fragment timeout. It fails if any entries are
// currently in flight, mirroring reasm_ip_set_timeout's refusal to
// change the timeout once entries already carry deadlines computed from
// the old value.
func (t *Table) SetTimeout(timeout time.Duration) error {
	if t.waiting > 0 {
		return fmt.Errorf("ipreasm: cannot change timeout while entries are in flight")
	}
	t.timeout = timeout
	return nil
}

// Waiting, MaxWaiting, TimedOut, DroppedFrags expose the Reassembly
// Table counters from the design's data model.
func (t *Table) Waiting() uint64      { return t.waiting }
func (t *Table) MaxWaiting() uint64   { return t.maxWaiting }
func (t *Table) TimedOut() uint64     { return t.timedOut }
func (t *Table) DroppedFrags() uint64 { return t.droppedFrags }

// SubmitResult discriminates Submit's three outcomes.
type SubmitResult int

const (
	// SubmitNone means the packet was not recognized as a fragment at all.
	SubmitNone SubmitResult = iota
	// SubmitAccepted means the fragment was consumed but the datagram it
	// belongs to is still incomplete (or was dropped/invalidated).
	SubmitAccepted
	// SubmitComplete means the fragment completed its datagram; the
	// returned *Entry is now owned by the caller.
	SubmitComplete
)

// Submit feeds one candidate fragment packet (a full IPv4 or IPv6
// datagram, starting at the network-layer header) into the table.
//
// packet must start at the IP header (version nibble in the first
// byte). timestamp is the capture wall-clock time, used both to expire
// stale entries (before anything else happens) and to stamp the new
// entry's deadline.
func (t *Table) Submit(packet []byte, timestamp time.Time) (SubmitResult, *Entry, error) {
	t.expire(timestamp)

	frag, proto, id, isLast, err := parsePacket(packet, timestamp)
	if err != nil {
		return SubmitNone, nil, err
	}
	if frag == nil {
		return SubmitNone, nil, nil
	}

	bucket := int(id.hash(proto) % uint32(len(t.buckets)))
	entry := t.buckets[bucket]
	for entry != nil && (entry.protocol != proto || !entry.flowID.equal(proto, id)) {
		entry = entry.hashNext
	}

	if entry == nil {
		entry = t.newEntry(bucket, proto, id, timestamp)
	}

	if entry.state != stateActive {
		t.droppedFrags++
		return SubmitAccepted, nil, nil
	}

	if !addFragment(entry, frag, isLast) {
		entry.state = stateInvalid
		t.droppedFrags += uint64(entry.fragCount) + 1
		return SubmitAccepted, nil, nil
	}

	if entry.holes != 0 {
		return SubmitAccepted, nil, nil
	}

	t.unlink(entry)
	return SubmitComplete, entry, nil
}

func (t *Table) newEntry(bucket int, proto Protocol, id FlowID, timestamp time.Time) *Entry {
	entry := &Entry{
		flowID:   id,
		protocol: proto,
		holes:    1,
		state:    stateActive,
		deadline: timestamp.Add(t.timeout),
		bucket:   bucket,
		frags:    &fragment{}, // sentinel head: offset=0, len=0
	}

	entry.hashNext = t.buckets[bucket]
	if entry.hashNext != nil {
		entry.hashNext.hashPrev = entry
	}
	t.buckets[bucket] = entry

	entry.timePrev = t.timeTail
	if t.timeTail != nil {
		t.timeTail.timeNext = entry
	} else {
		t.timeHead = entry
	}
	t.timeTail = entry

	t.waiting++
	if t.waiting > t.maxWaiting {
		t.maxWaiting = t.waiting
	}
	return entry
}

// unlink detaches entry from both the hash chain and the time-ordered
// list, mirroring remove_entry.
func (t *Table) unlink(entry *Entry) {
	if entry.hashPrev != nil {
		entry.hashPrev.hashNext = entry.hashNext
	} else {
		t.buckets[entry.bucket] = entry.hashNext
	}
	if entry.hashNext != nil {
		entry.hashNext.hashPrev = entry.hashPrev
	}

	if entry.timePrev != nil {
		entry.timePrev.timeNext = entry.timeNext
	} else {
		t.timeHead = entry.timeNext
	}
	if entry.timeNext != nil {
		entry.timeNext.timePrev = entry.timePrev
	} else {
		t.timeTail = entry.timePrev
	}

	entry.hashNext, entry.hashPrev = nil, nil
	entry.timeNext, entry.timePrev = nil, nil

	t.waiting--
}

// expire drops every entry whose deadline has passed, from the head of
// the time-ordered list (which is kept in non-decreasing deadline
// order since the timeout is constant and entries are created in
// chronological arrival order).
func (t *Table) expire(now time.Time) {
	for t.timeHead != nil && t.timeHead.deadline.Before(now) {
		entry := t.timeHead
		t.unlink(entry)
		t.timedOut++
	}
}

// addFragment inserts a new fragment into entry's sorted list and
// updates the hole count, implementing the design's add-fragment
// algorithm (reasm_add_fragment).
func addFragment(entry *Entry, frag *fragment, isLast bool) bool {
	if !isLast && frag.length%8 != 0 {
		return false
	}
	if entry.length != 0 && frag.offset+frag.length > entry.length {
		return false
	}

	fitLeft, fitRight := false, false

	if isLast {
		if entry.length != 0 {
			return false
		}
		entry.length = frag.offset + frag.length
		fitRight = true
	}

	cur := entry.frags
	for cur.next != nil && cur.next.offset <= frag.offset {
		cur = cur.next
	}
	next := cur.next

	if cur.offset+cur.length > frag.offset {
		return false
	} else if cur.offset+cur.length == frag.offset {
		fitLeft = true
	}

	if next != nil {
		if isLast {
			return false
		}
		if frag.offset+frag.length > next.offset {
			return false
		} else if frag.offset+frag.length == next.offset {
			fitRight = true
		}
	}

	if frag.length != 0 {
		frag.next = cur.next
		cur.next = frag

		switch {
		case fitLeft && fitRight:
			entry.holes--
		case !fitLeft && !fitRight:
			entry.holes++
		}
		entry.fragCount++
	} else if isLast && fitLeft {
		entry.holes--
	}

	return true
}
