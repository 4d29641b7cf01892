// Package request implements the core's polymorphic request handle (§3) and
// the request-id arena that backs it: a stable numeric identifier, unique
// while a request is live and reused once freed, implemented as an
// arena+index slab rather than shared ownership (§9 "Design Notes").
package request

import (
	"sync"

	"github.com/hpcfabric/cxicore/internal/iface"
)

// Kind discriminates the request variant.
type Kind uint8

const (
	KindReceive Kind = iota
	KindSend
	KindSearch
	KindOverflow
	KindRendezvousSource
	KindZeroByte
)

// Flag is the common request flag set (§3).
type Flag uint32

const (
	FlagMsg Flag = 1 << iota
	FlagTagged
	FlagRecv
	FlagSend
	FlagCompletion
	FlagMultiRecv
	FlagPeek
	FlagClaim
	FlagInject
	FlagMatchComplete
	FlagRemoteCQData
	FlagFence
	FlagMore
)

// Request-internal status flags (receive-specific: tgt_event, unlinked,
// canceled, auto_unlinked, software_list, hw_offloaded, multi_recv, tagged,
// done_notify).
type RecvFlag uint32

const (
	RecvFlagTgtEvent RecvFlag = 1 << iota
	RecvFlagUnlinked
	RecvFlagCanceled
	RecvFlagAutoUnlinked
	RecvFlagSoftwareList
	RecvFlagHWOffloaded
	RecvFlagMultiRecv
	RecvFlagTagged
	RecvFlagDoneNotify
)

// EventType is the discriminant the demultiplexer (C1) dispatches on.
type EventType uint8

const (
	EventLink EventType = iota
	EventUnlink
	EventPut
	EventPutOverflow
	EventRendezvous
	EventSearch
	EventGet
	EventSend
	EventAck
	EventReply
	EventStateChange
)

// Event is the NIC-reported event the demultiplexer hands to a request's
// callback. Not every field is populated for every EventType.
type Event struct {
	Type EventType

	// ReqID is the opaque user_ptr the NIC echoes back; it resolves the
	// target Request via the arena.
	ReqID uint64

	// ReturnCode is the NIC status for this event (OK, PTLTE_SW_MANAGED,
	// NO_SPACE, PT_DISABLED, ENTRY_NOT_FOUND, DIS_UNCOR, ...).
	ReturnCode ReturnCode

	// MatchBits/IgnoreBits are the encoded §6.1 fields as seen on the wire.
	MatchBits  uint64
	IgnoreBits uint64

	Initiator iface.MatchID
	CAddr     iface.CAddr

	// MLength is bytes actually delivered by this event; RLength is the
	// sender's reported total message length (used for truncation).
	MLength uint64
	RLength uint64

	// RemoteOffset/OverflowStart distinguish a rendezvous remote offset from
	// an unexpected-overflow start address, per the C2 key computation.
	RemoteOffset  uint64
	OverflowStart uintptr

	RdzvID   uint16
	RdzvFlag bool
	RdzvLAC  uint8

	HeaderData uint64
	VNI        uint16
}

// ReturnCode is the NIC-reported status carried on an Event.
type ReturnCode uint8

const (
	RCOk ReturnCode = iota
	RCPtlteSWManaged
	RCNoSpace
	RCPtDisabled
	RCEntryNotFound
	RCDisUncor
	RCTrunc
)

func (rc ReturnCode) String() string {
	switch rc {
	case RCOk:
		return "OK"
	case RCPtlteSWManaged:
		return "PTLTE_SW_MANAGED"
	case RCNoSpace:
		return "NO_SPACE"
	case RCPtDisabled:
		return "PT_DISABLED"
	case RCEntryNotFound:
		return "ENTRY_NOT_FOUND"
	case RCDisUncor:
		return "DIS_UNCOR"
	case RCTrunc:
		return "TRUNC"
	default:
		return "UNKNOWN"
	}
}

// Callback is the function a request binds at creation; the demultiplexer
// invokes it with the event and interprets the returned CmdResult.
type Callback func(r *Request, ev Event) iface.CmdResult

// Request is the polymorphic handle of §3. Kind-specific sections are
// documented inline; fields outside a request's Kind are simply unused.
type Request struct {
	// Common fields.
	ID       uint64
	Kind     Kind
	Callback Callback
	Context  any
	Flags    Flag
	CQ       iface.CQBinding
	Counter  iface.Counter

	// Receive-specific fields.
	UserBuf     uintptr
	ULen        uint64
	MemRegion   iface.MemRegion
	Tag         uint64
	Ignore      uint64
	InitiatorID iface.MatchID
	StartOffset uint64
	RLen        uint64
	DataLen     uint64
	Children    []*Request

	RecvFlags RecvFlag

	RdzvEventCount   int
	RdzvEventHistory [4]EventType
	RdzvID           uint16
	RdzvLAC          uint8
	RdzvProtoTag     uint8
	EagerInlineLen   uint64
	RdzvInitNIC      uint32
	RdzvInitPID      uint32
	SourceOffset     uint64
	RC               ReturnCode

	// Peek/claim state.
	ULEOffsets    []uint64
	CurULEOffsets int
	NumULEOffsets int
	OffsetFound   bool
	ULEOffset     uint64

	// Multi-receive bookkeeping.
	Parent           *Request
	MRecvUnlinkBytes uint64
	MRecvBytes       uint64

	// Send-specific fields.
	CAddr        iface.CAddr
	DestAddr     iface.Addr
	Len          uint64
	Inline       []byte
	SendTag      uint64
	BounceBuf    []byte
	SendRdzvID   uint16
	InitEventCnt int
	FCPeer       any // weak back-reference to *send.Peer; never owning
}

// NewRequest returns a zero-value Request of the given kind. Callers set
// fields directly; the arena below only owns id lifecycle.
func NewRequest(kind Kind) *Request {
	return &Request{Kind: kind}
}

// Arena is the id-reuse slab of §9: "arena+index (request-id table) rather
// than shared ownership." Ids are dense, start at 1 (0 is reserved to mean
// "no request"), and are recycled via a free list once a request is freed.
type Arena struct {
	mu       sync.Mutex
	slots    []*Request
	freeList []uint64
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{slots: make([]*Request, 1)} // index 0 unused
}

// Alloc assigns req a fresh or recycled id and stores it in the arena.
func (a *Arena) Alloc(req *Request) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id uint64
	if n := len(a.freeList); n > 0 {
		id = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.slots[id] = req
	} else {
		id = uint64(len(a.slots))
		a.slots = append(a.slots, req)
	}
	req.ID = id
	return id
}

// Get resolves a live request by id.
func (a *Arena) Get(id uint64) (*Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == 0 || id >= uint64(len(a.slots)) {
		return nil, false
	}
	req := a.slots[id]
	return req, req != nil
}

// Free releases id back to the free list. The request must not be
// referenced again after this call; its id may be handed to a future,
// unrelated request.
func (a *Arena) Free(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == 0 || id >= uint64(len(a.slots)) || a.slots[id] == nil {
		return
	}
	a.slots[id] = nil
	a.freeList = append(a.freeList, id)
}

// Len reports the number of live (non-freed) requests, for tests and
// invariant checks (§8: "at steady state the deferred-event table is
// empty" and similar quiescence properties extend naturally to the arena).
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.slots {
		if s != nil {
			n++
		}
	}
	return n
}
