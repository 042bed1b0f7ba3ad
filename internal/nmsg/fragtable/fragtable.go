// Package fragtable reassembles NMSG container fragments, implementing
// C6. It is a close port of original_source/nmsg/input_frag.c's
// red-black-tree-of-fragment-entries, generalized from a single global
// tree embedded in nmsg_buf to a Table value any number of which can be
// created.
//
// input_frag.c's red-black tree exists only to find a fragment entry by
// container id; its garbage collector already walks the whole tree on
// every call regardless of tree order (it checks every entry's age, not
// just a prefix). A Go map gives the same O(1)-ish keyed lookup with
// less machinery and the same full-scan GC semantics, so that's what
// Table uses instead of porting a tree.
package fragtable

import "time"

// DefaultGCInterval is the age after which an incomplete fragment entry
// is dropped by GC, matching NMSG_FRAG_GC_INTERVAL's informal
// description in the design as "a small multiple of the expected
// arrival spread".
const DefaultGCInterval = 60 * time.Second

// entry holds one container id's in-flight fragment slots, mirroring
// struct nmsg_frag.
type entry struct {
	id        uint32
	last      uint32 // index of the final fragment (so last+1 slots)
	remaining uint32
	arrived   time.Time
	slots     [][]byte
}

// Table collects fragments belonging to in-flight container ids until
// every slot has arrived, then hands back the concatenated payload.
//
// Table is not safe for concurrent use; like ipreasm.Table it is meant
// to be driven by a single input-reading goroutine.
type Table struct {
	entries    map[uint32]*entry
	gcInterval time.Duration
	count      int
}

// NewTable builds an empty fragment table using the default GC
// interval.
func NewTable() *Table {
	return NewTableGC(DefaultGCInterval)
}

// NewTableGC builds an empty fragment table with an explicit GC
// interval, for callers who want a different staleness tolerance than
// DefaultGCInterval.
func NewTableGC(gcInterval time.Duration) *Table {
	return &Table{
		entries:    make(map[uint32]*entry),
		gcInterval: gcInterval,
	}
}

// Count returns the number of container ids currently in flight.
func (t *Table) Count() int { return t.count }

// InsertResult discriminates Insert's outcomes.
type InsertResult int

const (
	// InsertAccepted means the fragment was stored but the container it
	// belongs to is still incomplete.
	InsertAccepted InsertResult = iota
	// InsertDuplicate means this (id, current) slot already held data;
	// the fragment was ignored, mirroring input_frag.c's "network
	// problem?" duplicate check.
	InsertDuplicate
	// InsertComplete means this fragment was the last missing slot; the
	// returned payload is the concatenation of every slot in order.
	InsertComplete
)

// Insert stores one fragment slot of a container identified by id.
// current is the zero-based slot index this fragment occupies; last is
// the index of the final slot (so the container has last+1 total
// fragments); data is this slot's payload, which Insert takes
// ownership of (the caller must not reuse the backing array).
//
// On InsertComplete, Insert returns the concatenated payload, padded in
// capacity (not length) up to the next kibibyte as an allocator hint,
// matching reassemble_frags's padded malloc.
func (t *Table) Insert(id, current, last uint32, data []byte) (InsertResult, []byte) {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{
			id:        id,
			last:      last,
			remaining: last + 1,
			arrived:   time.Now(),
			slots:     make([][]byte, last+1),
		}
		t.entries[id] = e
		t.count++
		t.gc(e.arrived)
	}

	if int(current) >= len(e.slots) {
		return InsertAccepted, nil
	}
	if e.slots[current] != nil {
		return InsertDuplicate, nil
	}

	e.slots[current] = data
	e.remaining--

	if e.remaining != 0 {
		return InsertAccepted, nil
	}

	delete(t.entries, id)
	t.count--
	return InsertComplete, concatPadded(e.slots)
}

// concatPadded concatenates slots in order into one buffer whose
// capacity (not length) is rounded up to the next 1024 bytes, mirroring
// reassemble_frags's kibibyte-padded malloc: the hint helps allocators
// batch similarly sized container buffers without changing what the
// caller observes via len().
func concatPadded(slots [][]byte) []byte {
	var total int
	for _, s := range slots {
		total += len(s)
	}

	padded := total
	if total%1024 != 0 {
		padded += 1024 - total%1024
	}

	buf := make([]byte, total, padded)
	pos := 0
	for _, s := range slots {
		pos += copy(buf[pos:], s)
	}
	return buf
}

// gc drops every in-flight entry older than the GC interval relative to
// now, mirroring gc_frags's full-table scan. It runs opportunistically
// whenever a new container id is first observed, per the design's
// "Timeouts" section, rather than on a ticker.
func (t *Table) gc(now time.Time) {
	for id, e := range t.entries {
		if now.Sub(e.arrived) >= t.gcInterval {
			delete(t.entries, id)
			t.count--
		}
	}
}
