// Package iface defines the narrow interfaces the core consumes from its
// collaborators. Counter, completion-queue, address-vector, memory-region,
// and device-command-queue primitives are implemented elsewhere (outside
// this module's scope, per spec); this package names only the surface the
// core calls.
package iface

import "context"

// Addr is a logical fabric address, resolved by the (out of scope)
// address-vector collaborator.
type Addr uint64

// CAddr names a peer by NIC id and process id, with an optional
// authentication-key index. It is the physical counterpart of Addr.
type CAddr struct {
	NIC     uint32
	PID     uint32
	AuthKey int32 // -1 if unused
}

// MatchID is the initiator match-id carried in events: either a specific
// (nic, pid) pair or the wildcard accepting any initiator.
type MatchID struct {
	CAddr    CAddr
	Wildcard bool
}

// MemRegion is a registered memory region handle, owned by the (out of
// scope) memory-registration collaborator.
type MemRegion interface {
	// LAC is the logical-address-context the NIC uses for this region.
	LAC() uint8
	// CopyIn copies bytes from src into the region at the given offset.
	CopyIn(dst []byte, off int, src []byte) (int, error)
}

// MemRegistrar registers and releases user buffers for hardware access.
type MemRegistrar interface {
	Register(buf []byte) (MemRegion, error)
	Deregister(MemRegion) error
}

// Counter is the narrow view of a completion counter binding.
type Counter interface {
	Inc(n uint64)
}

// CQBinding is the narrow view of a completion-queue binding: the core
// reports completions and errors through it, never constructs one.
type CQBinding interface {
	Complete(entry CompletionEntry)
	CompleteError(entry CompletionEntry, code uint32, providerErrno int32)
}

// CompletionEntry is the application-visible completion record.
type CompletionEntry struct {
	Context  any
	Flags    uint64
	Len      uint64
	Buf      uintptr
	DataLen  uint64
	Tag      uint64
	Addr     Addr
}

// CmdResult is the outcome of a command issued to the device command queue:
// either it succeeded, must be retried later (queue/event-queue pressure),
// or the process must terminate.
type CmdResult int

const (
	CmdSuccess CmdResult = iota
	CmdTryLater
	CmdFatal
)

// CommandQueue is the narrow device-command-queue collaborator: the core
// issues append/search/unlink/put/get commands through it and never talks
// to hardware directly.
type CommandQueue interface {
	// HasCapacity reports whether a new command can be enqueued right now.
	// Callbacks must check this (and the event-queue saturation flag) before
	// emitting a command, per the demultiplexer's back-pressure contract.
	HasCapacity() bool
	// EventQueueSaturated reports whether the event queue itself is backed
	// up, independent of command-queue capacity.
	EventQueueSaturated() bool

	Append(ctx context.Context, cmd AppendCmd) CmdResult
	Unlink(ctx context.Context, reqID uint64) CmdResult
	Search(ctx context.Context, cmd SearchCmd) CmdResult
	Put(ctx context.Context, cmd PutCmd) CmdResult
	Get(ctx context.Context, cmd GetCmd) CmdResult
	StateChange(ctx context.Context, newState uint32) CmdResult
}

// AppendCmd posts a match entry (priority-list append) to the NIC.
type AppendCmd struct {
	ReqID      uint64
	Buf        uintptr
	Len        uint64
	MatchBits  uint64
	IgnoreBits uint64
	MatchID    MatchID
}

// SearchCmd is a SEARCH or SEARCH_AND_DELETE against the unexpected list.
type SearchCmd struct {
	ReqID      uint64
	MatchBits  uint64
	IgnoreBits uint64
	MatchID    MatchID
	Delete     bool
}

// PutCmd emits a put (eager IDC, eager DMA, zero-byte, or rendezvous
// done-notify), keyed by caddr and carrying match-bits.
type PutCmd struct {
	ReqID     uint64
	Dest      CAddr
	MatchBits uint64
	Len       uint64
	Inline    []byte
	Remote    MemRegion
}

// GetCmd issues a pull (RGet) from an initiator's rendezvous source buffer.
type GetCmd struct {
	ReqID        uint64
	Initiator    CAddr
	RemoteOffset uint64
	LocalBuf     uintptr
	Len          uint64
	RdzvID       uint64
	RdzvLAC      uint8
}

// Logger is the minimal logging surface the core depends on.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}
