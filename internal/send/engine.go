// Package send implements the send engine (C6): eager/rendezvous path
// selection, match-bits construction, the per-TXC message queue, and the
// eager and rendezvous ACK callbacks of §4.6.
package send

import (
	"context"

	"github.com/hpcfabric/cxicore/internal/constants"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/matchbits"
	"github.com/hpcfabric/cxicore/internal/request"
)

// Path is the chosen transmission path for one outbound request, per the
// §4.6 selection table.
type Path int

const (
	PathEagerZero Path = iota
	PathEagerIDC
	PathEagerDMA
	PathRendezvous
)

// ChoosePath implements §4.6's path-selection table.
func ChoosePath(length uint64, inject, idcEnabled, triggered bool, injectThreshold, eagerThreshold uint64) Path {
	switch {
	case length == 0:
		return PathEagerZero
	case (inject || (length <= injectThreshold && idcEnabled)) && !triggered:
		return PathEagerIDC
	case length <= eagerThreshold:
		return PathEagerDMA
	default:
		return PathRendezvous
	}
}

// Peer is the sender-side flow-control drop record for one destination
// (§4.7.2): while present, new sends to that peer are refused with
// try-later and queued for replay once a RESUME arrives.
type Peer struct {
	Addr        iface.CAddr
	Pending     int
	PendingAcks int
	DropCount   uint64
	Queue       []*request.Request
}

// Engine is C6.
type Engine struct {
	CQ     iface.CommandQueue
	Mem    iface.MemRegistrar
	Logger iface.Logger

	InjectSize    uint64
	RdzvThreshold uint64
	IDCEnabled    bool

	msgQueue []*request.Request
	fcPeers  map[iface.CAddr]*Peer
	nextTxID uint8
}

// New creates a send engine with IDC enabled and its thresholds set to the
// internal/constants defaults.
func New(cq iface.CommandQueue, mem iface.MemRegistrar, logger iface.Logger) *Engine {
	return &Engine{
		CQ:            cq,
		Mem:           mem,
		Logger:        logger,
		InjectSize:    constants.DefaultInjectSize,
		RdzvThreshold: constants.DefaultRdzvThreshold,
		IDCEnabled:    true,
		fcPeers:       make(map[iface.CAddr]*Peer),
	}
}

// allocTxID hands out a small dense tx_id for FI_MATCH_COMPLETE requests.
func (e *Engine) allocTxID() uint8 {
	id := e.nextTxID
	e.nextTxID++
	return id
}

// Send implements §4.6: choose a path, build match-bits, queue the
// request, and emit it (or refuse with try-later if the peer is already
// in flow-control).
func (e *Engine) Send(req *request.Request, triggered bool) iface.CmdResult {
	if peer, dropped := e.fcPeers[req.CAddr]; dropped {
		peer.Queue = append(peer.Queue, req)
		return iface.CmdTryLater
	}
	return e.emit(req, triggered)
}

// emit builds match-bits and issues the Put, bypassing the fc_peers
// drop check — used directly by Resume, which is replaying a peer's
// queue and must not re-queue onto itself.
func (e *Engine) emit(req *request.Request, triggered bool) iface.CmdResult {
	path := ChoosePath(req.Len, req.Flags&request.FlagInject != 0, e.IDCEnabled, triggered, e.InjectSize, e.RdzvThreshold)

	bits := matchbits.Bits{
		Tag:       req.SendTag & 0xFFFFFFFF,
		Tagged:    req.Flags&request.FlagTagged != 0,
		CQData:    req.Flags&request.FlagRemoteCQData != 0,
		MatchComp: req.Flags&request.FlagMatchComplete != 0,
	}
	if bits.MatchComp {
		bits.TxID = e.allocTxID()
	}
	if path == PathRendezvous {
		lo, hi := matchbits.SplitRdzvID(req.SendRdzvID)
		bits.RdzvIDLo, bits.RdzvIDHi = lo, hi
		bits.RdzvLAC = req.RdzvLAC
	}

	if req.Flags&request.FlagInject != 0 && path != PathRendezvous {
		req.BounceBuf = append([]byte(nil), req.Inline...)
	}
	if triggered && e.Mem != nil && req.MemRegion == nil && len(req.Inline) > 0 {
		// Triggered paths always register the user buffer (§4.6), rather
		// than relying on an IDC/bounce-buffer copy.
		if region, err := e.Mem.Register(req.Inline); err == nil {
			req.MemRegion = region
		}
	}

	e.msgQueue = append(e.msgQueue, req)

	cmd := iface.PutCmd{
		ReqID:     req.ID,
		Dest:      req.CAddr,
		MatchBits: matchbits.Encode(bits),
		Len:       req.Len,
		Inline:    req.BounceBuf,
		Remote:    req.MemRegion,
	}
	if len(req.BounceBuf) == 0 {
		cmd.Inline = req.Inline
	}
	return e.CQ.Put(context.TODO(), cmd)
}

func (e *Engine) dequeue(req *request.Request) {
	for i, r := range e.msgQueue {
		if r == req {
			e.msgQueue = append(e.msgQueue[:i], e.msgQueue[i+1:]...)
			return
		}
	}
}

// peerFor returns (creating if necessary) the fc_peer record for addr,
// transferring every in-flight message queued for that peer (preserving
// order) per §4.7.2's "first drop" rule.
func (e *Engine) peerFor(addr iface.CAddr) *Peer {
	if p, ok := e.fcPeers[addr]; ok {
		return p
	}
	p := &Peer{Addr: addr}
	for _, r := range e.msgQueue {
		if r.CAddr == addr {
			p.Pending++
			p.Queue = append(p.Queue, r)
		}
	}
	e.fcPeers[addr] = p
	return p
}

// EagerAckCallback implements §4.6's eager ACK callback.
func (e *Engine) EagerAckCallback(req *request.Request, ev request.Event) iface.CmdResult {
	if ev.ReturnCode == request.RCPtDisabled {
		// Dequeue before peerFor: peerFor's own scan over msgQueue would
		// otherwise still find req there and queue it a second time.
		e.dequeue(req)
		peer := e.peerFor(req.CAddr)
		peer.Queue = append(peer.Queue, req)
		return iface.CmdSuccess
	}

	e.dequeue(req)
	req.BounceBuf = nil

	if req.Flags&request.FlagMatchComplete != 0 && ev.ReturnCode != request.RCOk {
		// Not matched on the priority list; defer completion until the
		// target's zero-byte notify arrives, correlated by tx_id.
		return iface.CmdSuccess
	}

	e.complete(req)
	return iface.CmdSuccess
}

// RendezvousAckCallback implements §4.6's rendezvous ACK callback.
// Completion requires both this ACK and the source-side GET event (the
// target-initiated pull landing on this sender's rendezvous source PTE);
// InitEventCnt tracks how many of the two have arrived.
func (e *Engine) RendezvousAckCallback(req *request.Request, ev request.Event) iface.CmdResult {
	if ev.ReturnCode == request.RCPtDisabled {
		// Dequeue before peerFor: see EagerAckCallback.
		e.dequeue(req)
		peer := e.peerFor(req.CAddr)
		peer.Queue = append(peer.Queue, req)
		return iface.CmdSuccess
	}

	req.InitEventCnt++
	if req.InitEventCnt >= 2 {
		e.dequeue(req)
		e.complete(req)
	}
	return iface.CmdSuccess
}

// OnSourceGet is the complementary half of RendezvousAckCallback: the
// target-initiated pull landing on this sender's rendezvous source PTE.
func (e *Engine) OnSourceGet(req *request.Request) iface.CmdResult {
	req.InitEventCnt++
	if req.InitEventCnt >= 2 {
		e.dequeue(req)
		e.complete(req)
	}
	return iface.CmdSuccess
}

func (e *Engine) complete(req *request.Request) {
	if req.CQ != nil {
		req.CQ.Complete(iface.CompletionEntry{
			Context: req.Context,
			Len:     req.Len,
			Tag:     req.SendTag,
			Addr:    req.DestAddr,
		})
	}
	if req.Counter != nil {
		req.Counter.Inc(1)
	}
}

// NotifyDrop implements §4.7.2's sender-side drop discipline: called for
// every completion of an in-flight (pre-drop) send to a peer already in
// e.fcPeers. Once every pre-drop send has drained, the caller is told to
// emit the NOTIFY control message carrying the total drop count.
func (e *Engine) NotifyDrop(addr iface.CAddr) (shouldNotify bool) {
	peer, ok := e.fcPeers[addr]
	if !ok {
		return false
	}
	peer.Pending--
	if peer.Pending == 0 {
		peer.PendingAcks++
		return true
	}
	return false
}

// Resume replays a peer's queued sends in order, stopping at the first
// try-later (the caller re-drives it later), and frees the peer record
// once every queued send has gone out and every NOTIFY ack is in.
func (e *Engine) Resume(addr iface.CAddr, allNotifyAcksIn bool) {
	peer, ok := e.fcPeers[addr]
	if !ok {
		return
	}
	for len(peer.Queue) > 0 {
		req := peer.Queue[0]
		if e.emit(req, false) == iface.CmdTryLater {
			return
		}
		peer.Queue = peer.Queue[1:]
	}
	if len(peer.Queue) == 0 && allNotifyAcksIn {
		delete(e.fcPeers, addr)
	}
}
