// Package deferred implements the deferred-event table (C2): it pairs a Put
// event with its Put-Overflow sibling (or vice versa) when the two NIC
// events for one unexpected delivery arrive in either order.
//
// The table is private to one RX context and is only ever touched with the
// endpoint lock held (§5), so it carries no internal locking of its own.
package deferred

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/hpcfabric/cxicore/internal/constants"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/request"
)

// Key is the composite correlation key of §3: for rendezvous events it is
// (initiator, rendezvous-id, rdzv-flag=true); for a plain unexpected
// delivery it is (overflow-buffer start address, rdzv-flag=false).
type Key struct {
	RdzvFlag      bool
	Initiator     iface.CAddr
	RdzvID        uint16
	OverflowStart uintptr
}

func (k Key) hash() uint64 {
	var buf [32]byte
	if k.RdzvFlag {
		buf[0] = 1
		binary.LittleEndian.PutUint32(buf[1:5], k.Initiator.NIC)
		binary.LittleEndian.PutUint32(buf[5:9], k.Initiator.PID)
		binary.LittleEndian.PutUint16(buf[9:11], k.RdzvID)
	} else {
		binary.LittleEndian.PutUint64(buf[16:24], uint64(k.OverflowStart))
	}
	return xxhash.Sum64(buf[:])
}

func (k Key) bucket() uint64 {
	return k.hash() & constants.DeferredTableMask
}

// Record is one stored half of a Put/Put-Overflow pair.
type Record struct {
	Key       Key
	EventType request.EventType // complement of the type we're waiting for
	Event     request.Event

	// WaitingRecv is set when the stored half belongs to a receive request
	// whose second event is still outstanding.
	WaitingRecv *request.Request

	// UX is set when the stored half belongs to an onloaded unexpected-send
	// record still waiting for its complementary event.
	UX any

	// Payload carries caller-specific bookkeeping recorded alongside the
	// event — e.g. the {mrecv_start, mrecv_len, auto-unlink} triple a
	// PUT_OVERFLOW handler stashes per §4.3.2.
	Payload any

	next *Record
}

// complement returns the event type that pairs with t.
func complement(t request.EventType) request.EventType {
	if t == request.EventPut {
		return request.EventPutOverflow
	}
	return request.EventPut
}

// Table is the deferred-event hash table: a fixed-size bucket array,
// a linear scan of each bucket's chain, bounded only by outstanding unmatched
// unexpected messages (or MaxRecords, if set, to model an allocator that
// can legitimately run out of memory).
type Table struct {
	buckets    [constants.DeferredTableBuckets]*Record
	count      int
	MaxRecords int // 0 means unbounded
}

// New returns an empty deferred-event table.
func New() *Table {
	return &Table{}
}

// MatchPutEvent implements §4.2's match_put_event. evType is the type of
// the event being reported now (Put or PutOverflow); key is its computed
// correlation key. On a match, the paired Record is returned with
// matched=true and is NOT removed automatically — the caller must call
// Free once it has consumed the pairing, per the spec's ownership rule.
// On no match, a new Record is inserted (unless MaxRecords would be
// exceeded, in which case ok=false signals an allocation failure that the
// caller must surface as try-later).
func (t *Table) MatchPutEvent(evType request.EventType, key Key, ev request.Event, waitingRecv *request.Request, ux any, payload any) (matched bool, record *Record, ok bool) {
	b := key.bucket()
	want := complement(evType)

	for r := t.buckets[b]; r != nil; r = r.next {
		if r.Key == key && r.EventType == want &&
			r.Event.ReturnCode == ev.ReturnCode &&
			r.Event.Initiator == ev.Initiator {
			return true, r, true
		}
	}

	if t.MaxRecords > 0 && t.count >= t.MaxRecords {
		return false, nil, false
	}

	rec := &Record{
		Key:         key,
		EventType:   evType,
		Event:       ev,
		WaitingRecv: waitingRecv,
		UX:          ux,
		Payload:     payload,
		next:        t.buckets[b],
	}
	t.buckets[b] = rec
	t.count++
	return false, rec, true
}

// Free removes rec from the table. It is a caller error to free a record
// twice or one not returned by this table; both are no-ops here since the
// invariant (§8.5: "for every insertion there is exactly one matching
// removal") is the caller's to keep, not this table's to enforce.
func (t *Table) Free(rec *Record) {
	if rec == nil {
		return
	}
	b := rec.Key.bucket()
	var prev *Record
	for r := t.buckets[b]; r != nil; r = r.next {
		if r == rec {
			if prev == nil {
				t.buckets[b] = r.next
			} else {
				prev.next = r.next
			}
			t.count--
			return
		}
		prev = r
	}
}

// Len reports the number of live unmatched records. At steady state (§8.5)
// this is zero.
func (t *Table) Len() int {
	return t.count
}
