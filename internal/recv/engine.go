// Package recv implements the receive request engine (C3): posting,
// software/hardware matching, unexpected-message completion, and the
// multi-receive unlink policy of §4.3.
package recv

import (
	"context"

	"github.com/hpcfabric/cxicore/internal/constants"
	"github.com/hpcfabric/cxicore/internal/deferred"
	"github.com/hpcfabric/cxicore/internal/epstate"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/matchbits"
	"github.com/hpcfabric/cxicore/internal/overflow"
	"github.com/hpcfabric/cxicore/internal/request"
)

// UXRecord is one onloaded or deferred-table-linked unexpected-send
// record: the receive side's memory of a delivery that arrived before any
// receive request claimed it.
type UXRecord struct {
	Initiator  iface.MatchID
	Tag        uint64
	Ignore     uint64
	Claimed    bool
	Event      request.Event
	DeferredRec *deferred.Record
	OverflowBuf *overflow.Buffer
	BufOffset  uint64
	BufLen     uint64
}

// Rendezvous is the narrow collaborator the receive engine calls into for
// rendezvous pull issuance and deferred completion (C5). Kept as an
// interface so the two packages don't import each other.
type Rendezvous interface {
	IssueSoftwarePull(child *request.Request, ev request.Event) iface.CmdResult
	DeferCompletion(child *request.Request, ev request.Event)
}

// Engine is C3. One Engine serves one receive context (RXC); it is called
// only with the endpoint lock held, per §5.
type Engine struct {
	Arena      *request.Arena
	Deferred   *deferred.Table
	Overflow   *overflow.Pool
	CQ         iface.CommandQueue
	Mem        iface.MemRegistrar
	Logger     iface.Logger
	State      epstate.Getter
	Rendezvous Rendezvous

	SoftwareManaged bool
	MinMultiRecv    uint64

	swUXList    []*UXRecord
	swRecvQueue []*request.Request

	pullCredits     int
	maxPullCredits  int
}

// New creates a receive engine. MinMultiRecv and the pull-credit ceiling
// start at their internal/constants defaults.
func New(arena *request.Arena, def *deferred.Table, ovfl *overflow.Pool, cq iface.CommandQueue, mem iface.MemRegistrar, logger iface.Logger, state epstate.Getter, rdzv Rendezvous) *Engine {
	return &Engine{
		Arena:          arena,
		Deferred:       def,
		Overflow:       ovfl,
		CQ:             cq,
		Mem:            mem,
		Logger:         logger,
		State:          state,
		Rendezvous:     rdzv,
		MinMultiRecv:   constants.DefaultMinMultiRecv,
		maxPullCredits: constants.DefaultMaxConcurrentPulls,
	}
}

func tagMatch(sendTag, recvTag, ignore uint64) bool {
	return matchbits.Matches(sendTag, recvTag, ignore)
}

func initMatch(want, got iface.MatchID) bool {
	if want.Wildcard {
		return true
	}
	return want.CAddr == got.CAddr
}

// Post implements §4.3's Post: reject len>0 with a nil buffer, record the
// initiator match-id, return try-later unless the endpoint accepts posts,
// and route to Peek, the claim-only software matcher, or Queue. It does
// not register the buffer or bind a CQ or counter; req.MemRegion, req.CQ
// and req.Counter are used as they are set on req.
func (e *Engine) Post(req *request.Request, initiator iface.MatchID) iface.CmdResult {
	if req.ULen > 0 && req.UserBuf == 0 {
		return iface.CmdFatal
	}

	req.InitiatorID = initiator

	if !e.State.State().AcceptsPosts() {
		return iface.CmdTryLater
	}

	if req.Flags&request.FlagPeek != 0 {
		return e.Peek(req)
	}
	if req.Flags&request.FlagClaim != 0 && req.Flags&request.FlagPeek == 0 {
		return e.claimOnly(req)
	}
	return e.Queue(req)
}

// Queue implements §4.3.1: try a software match first, then either queue
// on the software-managed FIFO or append to the NIC priority list.
func (e *Engine) Queue(req *request.Request) iface.CmdResult {
	if rec := e.findSoftwareMatch(req); rec != nil {
		return e.swMatched(req, rec)
	}

	if e.SoftwareManaged {
		e.swRecvQueue = append(e.swRecvQueue, req)
		return iface.CmdSuccess
	}

	cmd := iface.AppendCmd{
		ReqID:      req.ID,
		Buf:        req.UserBuf,
		Len:        req.ULen,
		MatchBits:  matchbits.Encode(matchbits.Bits{Tag: req.Tag & 0xFFFFFFFF, Tagged: req.RecvFlags&request.RecvFlagTagged != 0}),
		IgnoreBits: req.Ignore,
		MatchID:    req.InitiatorID,
	}
	return e.CQ.Append(context.TODO(), cmd)
}

// findSoftwareMatch scans the unclaimed unexpected-send list for a record
// satisfying tag_match and init_match.
func (e *Engine) findSoftwareMatch(req *request.Request) *UXRecord {
	for _, rec := range e.swUXList {
		if rec.Claimed {
			continue
		}
		if tagMatch(rec.Tag, req.Tag, req.Ignore) && initMatch(req.InitiatorID, rec.Initiator) {
			rec.Claimed = true
			return rec
		}
	}
	return nil
}

// claimOnly services a post carrying FlagClaim without FlagPeek: it
// retrieves the record stashed by an earlier peek-with-claim and drives it
// through the normal software-matched path.
func (e *Engine) claimOnly(req *request.Request) iface.CmdResult {
	for _, rec := range e.swUXList {
		if !rec.Claimed {
			continue
		}
		if tagMatch(rec.Tag, req.Tag, req.Ignore) && initMatch(req.InitiatorID, rec.Initiator) {
			return e.swMatched(req, rec)
		}
	}
	return iface.CmdTryLater
}

// HandleEvent is the receive callback of §4.3.2, dispatched by the event
// demultiplexer (C1) against this request's bound Callback.
func (e *Engine) HandleEvent(req *request.Request, ev request.Event) iface.CmdResult {
	switch ev.Type {
	case request.EventLink:
		return e.handleLink(req, ev)
	case request.EventUnlink:
		req.RecvFlags |= request.RecvFlagUnlinked
		e.complete(req)
		return iface.CmdSuccess
	case request.EventPutOverflow:
		return e.handlePutOverflow(req, ev)
	case request.EventPut:
		return e.handlePut(req, ev)
	case request.EventReply:
		req.RC = ev.ReturnCode
		e.complete(req)
		return iface.CmdSuccess
	case request.EventSend:
		return iface.CmdSuccess
	default:
		return iface.CmdFatal
	}
}

func (e *Engine) handleLink(req *request.Request, ev request.Event) iface.CmdResult {
	switch ev.ReturnCode {
	case request.RCOk:
		return iface.CmdSuccess
	case request.RCPtlteSWManaged:
		e.swRecvQueue = append(e.swRecvQueue, req)
		return iface.CmdSuccess
	case request.RCNoSpace:
		e.swRecvQueue = append(e.swRecvQueue, req)
		return iface.CmdSuccess
	default:
		return iface.CmdFatal
	}
}

// handlePutOverflow implements the PUT_OVERFLOW arm of §4.3.2: it always
// pairs through C2, since an overflow-side event on its own never carries
// enough information to report a completion.
func (e *Engine) handlePutOverflow(req *request.Request, ev request.Event) iface.CmdResult {
	return e.pairThroughDeferred(req, request.EventPutOverflow, ev)
}

// handlePut implements the PUT arm of §4.3.2. A put event that carries
// overflow or rendezvous correlation info is the other half of an
// unexpected delivery and must pair through C2 (§4.2: "PUT ↔
// PUT_OVERFLOW"); a put with no such correlation is an expected, direct
// delivery against a request already resident on the priority list.
func (e *Engine) handlePut(req *request.Request, ev request.Event) iface.CmdResult {
	if ev.RdzvFlag || ev.OverflowStart != 0 {
		return e.pairThroughDeferred(req, request.EventPut, ev)
	}

	if req.RecvFlags&request.RecvFlagMultiRecv != 0 {
		child := e.spawnChild(req)
		child.DataLen = ev.MLength
		e.complete(child)
		e.Arena.Free(child.ID)
		if e.multiRecvExhausted(req) {
			e.finishMultiRecv(req)
		}
		return iface.CmdSuccess
	}

	req.DataLen = ev.MLength
	e.complete(req)
	return iface.CmdSuccess
}

// pairThroughDeferred runs evType/ev through C2 and, once its complement
// has arrived, drives the pair through ux_send.
func (e *Engine) pairThroughDeferred(req *request.Request, evType request.EventType, ev request.Event) iface.CmdResult {
	key := deferred.Key{OverflowStart: ev.OverflowStart, RdzvFlag: ev.RdzvFlag, Initiator: ev.CAddr, RdzvID: ev.RdzvID}
	matched, rec, ok := e.Deferred.MatchPutEvent(evType, key, ev, req, nil, nil)
	if !ok {
		return iface.CmdTryLater
	}

	mrecvStart := req.MRecvBytes
	mrecvLen := ev.MLength
	req.MRecvBytes += mrecvLen

	if !matched {
		// The complementary half hasn't arrived yet; nothing more to do
		// until it does.
		return iface.CmdSuccess
	}

	e.Deferred.Free(rec)
	return e.uxSend(req, ev, mrecvStart, mrecvLen, false, nil, 0)
}

// spawnChild creates a child request covering one delivery into a
// multi-receive parent's buffer.
func (e *Engine) spawnChild(parent *request.Request) *request.Request {
	child := request.NewRequest(request.KindReceive)
	child.Parent = parent
	child.Callback = parent.Callback
	child.Context = parent.Context
	child.CQ = parent.CQ
	child.Counter = parent.Counter
	e.Arena.Alloc(child)
	parent.Children = append(parent.Children, child)
	return child
}

// uxSend implements §4.3.3: both halves of an unexpected delivery are now
// in hand (or being constructed synchronously via the software path).
// uxBuf/uxOffset, when known to the caller (the onloaded software-matched
// path carries them on the UXRecord), name the overflow buffer the
// payload actually landed in; otherwise uxSend resolves it itself from
// ev.OverflowStart via the overflow pool.
func (e *Engine) uxSend(parent *request.Request, ev request.Event, mrecvStart, mrecvLen uint64, zeroByte bool, uxBuf *overflow.Buffer, uxOffset uint64) iface.CmdResult {
	var child *request.Request
	multi := parent.RecvFlags&request.RecvFlagMultiRecv != 0
	if multi {
		child = e.findOrCreateRdzvChild(parent, ev)
	} else {
		child = e.spawnChild(parent)
	}

	dataLen := ev.RLength
	if multi {
		if dataLen > mrecvLen {
			dataLen = mrecvLen
		}
	} else {
		if dataLen > parent.ULen {
			dataLen = parent.ULen
		}
	}
	child.DataLen = dataLen
	child.RC = ev.ReturnCode
	child.StartOffset = mrecvStart

	if !zeroByte && e.Mem != nil && parent.MemRegion != nil {
		n := ev.MLength
		if n > dataLen {
			n = dataLen
		}

		// §4.3.3 step 4: copy min(mlength, data_len) bytes from the
		// overflow buffer the payload actually landed in, not zeros.
		buf, offset := uxBuf, uxOffset
		if buf == nil && e.Overflow != nil {
			buf, offset, _ = e.Overflow.FindByAddr(ev.OverflowStart)
		}

		var payload []byte
		if buf != nil {
			end := offset + n
			if end > uint64(len(buf.Data)) {
				end = uint64(len(buf.Data))
			}
			if offset > end {
				offset = end
			}
			payload = buf.Data[offset:end]

			// §4.3.3 step 5 / §4.4: account the bytes just handed to a
			// matched receive and reclaim the buffer once every byte
			// posted to it has been consumed.
			buf.Consume(n)
			if e.Overflow != nil {
				e.Overflow.Reclaim()
			}
		} else {
			payload = make([]byte, n)
		}
		_, _ = parent.MemRegion.CopyIn(nil, int(mrecvStart), payload)
	}

	if ev.RdzvFlag {
		if e.Rendezvous != nil {
			e.Rendezvous.DeferCompletion(child, ev)
		}
		return iface.CmdSuccess
	}

	if parent.Flags&request.FlagMatchComplete != 0 {
		// Completion deferred until the sender's zero-byte reverse put
		// (correlated by tx_id) lands; nothing more to do here.
		return iface.CmdSuccess
	}

	e.complete(child)
	if multi {
		parent.MRecvBytes += dataLen
	} else {
		e.Arena.Free(child.ID)
	}
	return iface.CmdSuccess
}

func (e *Engine) findOrCreateRdzvChild(parent *request.Request, ev request.Event) *request.Request {
	for _, c := range parent.Children {
		if c.RdzvID == ev.RdzvID && c.RdzvInitNIC == ev.CAddr.NIC && c.RdzvInitPID == ev.CAddr.PID {
			return c
		}
	}
	child := e.spawnChild(parent)
	child.RdzvID = ev.RdzvID
	child.RdzvInitNIC = ev.CAddr.NIC
	child.RdzvInitPID = ev.CAddr.PID
	return child
}

// swMatched implements §4.3.4.
func (e *Engine) swMatched(req *request.Request, rec *UXRecord) iface.CmdResult {
	zeroByte := rec.Event.MLength == 0 && !rec.Event.RdzvFlag

	if rec.Event.RdzvFlag {
		if e.pullCredits >= e.maxPullCredits {
			rec.Claimed = false
			return iface.CmdTryLater
		}
	}

	res := e.uxSend(req, rec.Event, 0, rec.BufLen, zeroByte, rec.OverflowBuf, rec.BufOffset)
	if res != iface.CmdSuccess {
		rec.Claimed = false
		return res
	}

	if rec.Event.RdzvFlag {
		e.pullCredits++
		if e.Rendezvous != nil {
			e.Rendezvous.IssueSoftwarePull(req.Children[len(req.Children)-1], rec.Event)
		}
	}

	e.removeUX(rec)

	// CmdResult has no in-progress value: a multi-receive with room left
	// and one without both return CmdSuccess, and callers cannot tell them
	// apart.
	if req.RecvFlags&request.RecvFlagMultiRecv != 0 {
		if req.ULen-req.StartOffset >= e.MinMultiRecv {
			return iface.CmdSuccess
		}
	}
	return iface.CmdSuccess
}

func (e *Engine) removeUX(rec *UXRecord) {
	for i, r := range e.swUXList {
		if r == rec {
			e.swUXList = append(e.swUXList[:i], e.swUXList[i+1:]...)
			return
		}
	}
}

// Peek implements §4.3.5: non-destructive lookup, software first, then an
// optional hardware SEARCH.
func (e *Engine) Peek(req *request.Request) iface.CmdResult {
	for _, rec := range e.swUXList {
		if rec.Claimed {
			continue
		}
		if tagMatch(rec.Tag, req.Tag, req.Ignore) && initMatch(req.InitiatorID, rec.Initiator) {
			if req.Flags&request.FlagClaim != 0 {
				rec.Claimed = true
			}
			req.DataLen = rec.Event.RLength
			req.RC = rec.Event.ReturnCode
			e.complete(req)
			return iface.CmdSuccess
		}
	}

	if e.SoftwareManaged {
		req.RC = request.RCEntryNotFound
		e.complete(req)
		return iface.CmdSuccess
	}

	cmd := iface.SearchCmd{
		ReqID:      req.ID,
		MatchBits:  matchbits.Encode(matchbits.Bits{Tag: req.Tag & 0xFFFFFFFF}),
		IgnoreBits: req.Ignore,
		MatchID:    req.InitiatorID,
		Delete:     false,
	}
	return e.CQ.Search(context.TODO(), cmd)
}

// multiRecvExhausted implements §4.3.6's exhaustion test.
func (e *Engine) multiRecvExhausted(parent *request.Request) bool {
	if parent.RecvFlags&request.RecvFlagAutoUnlinked != 0 {
		return parent.MRecvBytes >= parent.MRecvUnlinkBytes
	}
	return parent.ULen-parent.MRecvBytes < e.MinMultiRecv
}

func (e *Engine) finishMultiRecv(parent *request.Request) {
	if n := len(parent.Children); n > 0 {
		parent.Children[n-1].Flags |= request.FlagMultiRecv
	}
	e.Arena.Free(parent.ID)
}

// Cancel implements §4.3's Cancel.
func (e *Engine) Cancel(req *request.Request) iface.CmdResult {
	for i, r := range e.swRecvQueue {
		if r == req {
			e.swRecvQueue = append(e.swRecvQueue[:i], e.swRecvQueue[i+1:]...)
			req.RecvFlags |= request.RecvFlagCanceled
			e.complete(req)
			return iface.CmdSuccess
		}
	}
	return e.CQ.Unlink(context.TODO(), req.ID)
}

// Complete implements rendezvous.Reporter for a solo (non-multi-receive)
// rendezvous child: report the finished request and free its id.
func (e *Engine) Complete(child *request.Request) {
	e.complete(child)
	e.Arena.Free(child.ID)
}

// FinishChild implements rendezvous.Reporter for a rendezvous child
// delivered into a multi-receive parent's buffer: report the finished
// request and advance the parent's received-bytes counter, mirroring the
// non-rendezvous multi-receive path in uxSend.
func (e *Engine) FinishChild(parent, child *request.Request) {
	e.complete(child)
	parent.MRecvBytes += child.DataLen
}

// ReplaySaved implements flowcontrol.ReplayQueue: it reissues every
// receive saved to the software-managed queue while the endpoint could
// not accept hardware appends, per §4.7.1's "replay saved appends" step
// on leaving PENDING_PTLTE_SOFTWARE_MANAGED or ONLOAD_FLOW_CONTROL_REENABLE.
func (e *Engine) ReplaySaved() iface.CmdResult {
	pending := e.swRecvQueue
	e.swRecvQueue = nil
	for _, req := range pending {
		if res := e.Queue(req); res == iface.CmdTryLater {
			e.swRecvQueue = append(e.swRecvQueue, req)
		}
	}
	if len(e.swRecvQueue) > 0 {
		return iface.CmdTryLater
	}
	return iface.CmdSuccess
}

// OnloadUnexpected implements flowcontrol.ReplayQueue: it issues a
// SEARCH_AND_DELETE over the full unexpected list so the NIC replays every
// outstanding unexpected header as ordinary PUT_OVERFLOW events, which
// flow back through HandleEvent and repopulate C2/the software UX list
// exactly as they would have if onload had never been needed.
func (e *Engine) OnloadUnexpected() iface.CmdResult {
	cmd := iface.SearchCmd{
		MatchBits:  0,
		IgnoreBits: ^uint64(0),
		Delete:     true,
	}
	return e.CQ.Search(context.TODO(), cmd)
}

// complete reports a finished request through its bound completion queue
// and counter, matching the shape of every terminal path above.
func (e *Engine) complete(req *request.Request) {
	if req.CQ != nil {
		req.CQ.Complete(iface.CompletionEntry{
			Context: req.Context,
			Len:     req.DataLen,
			Buf:     req.UserBuf,
			Tag:     req.Tag,
		})
	}
	if req.Counter != nil {
		req.Counter.Inc(1)
	}
}
