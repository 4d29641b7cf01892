// Package rendezvous implements the rendezvous coordinator (C5): event
// correlation across the 3-or-4-event rendezvous sequence, pull (RGet)
// issuance, the restricted-protocol done-notify handshake, and completion
// reporting, per §4.5.
package rendezvous

import (
	"context"
	"time"

	"github.com/hpcfabric/cxicore/internal/constants"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/matchbits"
	"github.com/hpcfabric/cxicore/internal/request"
)

// Reporter is the narrow view of the receive engine C5 reports a finished
// rendezvous receive back through.
type Reporter interface {
	Complete(child *request.Request)
	FinishChild(parent, child *request.Request)
}

// Coordinator is C5. One Coordinator serves one endpoint's rendezvous
// receives; like every other component it is only ever called with the
// endpoint lock held.
type Coordinator struct {
	CQ       iface.CommandQueue
	Logger   iface.Logger
	Reporter Reporter
	Sleep    func(time.Duration) // overridable for tests; defaults to time.Sleep

	RetryDelay time.Duration
	Restricted bool

	credits    int
	maxCredits int
}

// New creates a rendezvous coordinator. restricted selects the protocol
// (§9 Open Question iii: only Restricted ships; Write is refused at
// config-validation time, not here).
func New(cq iface.CommandQueue, logger iface.Logger, reporter Reporter, restricted bool) *Coordinator {
	return &Coordinator{
		CQ:         cq,
		Logger:     logger,
		Reporter:   reporter,
		Sleep:      time.Sleep,
		RetryDelay: constants.DefaultFCRetryDelay,
		Restricted: restricted,
		maxCredits: constants.DefaultMaxConcurrentPulls,
	}
}

// recordEvent appends ev's type to the bounded per-request history and
// reports whether this type has already been seen — source reuse of the
// rendezvous id before the coordinator has drained it.
func recordEvent(req *request.Request, evType request.EventType) (reused bool) {
	for i := 0; i < req.RdzvEventCount && i < len(req.RdzvEventHistory); i++ {
		if req.RdzvEventHistory[i] == evType {
			return true
		}
	}
	if req.RdzvEventCount < len(req.RdzvEventHistory) {
		req.RdzvEventHistory[req.RdzvEventCount] = evType
		req.RdzvEventCount++
	}
	return false
}

// expectedEventCount is 3 normally, 4 under the restricted protocol's
// done-notify ack.
func (c *Coordinator) expectedEventCount() int {
	if c.Restricted {
		return 4
	}
	return 3
}

// HandleEvent processes one rendezvous-sequence event (PUT/PUT_OVERFLOW,
// RENDEZVOUS, REPLY, or — restricted protocol only — the done-notify ACK)
// against child, the per-delivery rendezvous child request.
func (c *Coordinator) HandleEvent(child *request.Request, ev request.Event) iface.CmdResult {
	if recordEvent(child, ev.Type) {
		return iface.CmdTryLater
	}

	switch ev.Type {
	case request.EventRendezvous:
		return c.onRendezvous(child, ev)
	case request.EventReply:
		child.RC = ev.ReturnCode
		return c.maybeComplete(child)
	case request.EventAck:
		return c.maybeComplete(child)
	default:
		return c.maybeComplete(child)
	}
}

// onRendezvous implements pull issuance: reserve a credit and emit a
// DMA-Get for the remainder of the message, cache-line-aligning the local
// address and adjusting the remote offset and length to match.
func (c *Coordinator) onRendezvous(child *request.Request, ev request.Event) iface.CmdResult {
	if c.credits >= c.maxCredits {
		return iface.CmdTryLater
	}

	local := child.UserBuf + uintptr(ev.MLength)
	remaining := child.DataLen - ev.MLength

	delta := uint64(local) % constants.CacheLineSize
	alignedLocal := local - uintptr(delta)
	remoteOffset := ev.RemoteOffset - delta
	length := remaining + delta

	cmd := iface.GetCmd{
		ReqID:        child.ID,
		Initiator:    ev.CAddr,
		RemoteOffset: remoteOffset,
		LocalBuf:     alignedLocal,
		Len:          length,
		RdzvID:       uint64(ev.RdzvID),
		RdzvLAC:      ev.RdzvLAC,
	}
	res := c.CQ.Get(context.TODO(), cmd)
	if res == iface.CmdSuccess {
		c.credits++
	}
	return res
}

// IssueSoftwarePull is called by the receive engine when a rendezvous
// message was matched in software rather than by hardware: it synthesizes
// the rendezvous-event counter advance the NIC would otherwise have
// produced and issues the pull itself.
func (c *Coordinator) IssueSoftwarePull(child *request.Request, ev request.Event) iface.CmdResult {
	recordEvent(child, request.EventRendezvous)
	return c.onRendezvous(child, ev)
}

// DeferCompletion marks child as awaiting the rest of the rendezvous
// sequence rather than completing immediately; called by the receive
// engine once it has copied the eager head out of the overflow buffer.
func (c *Coordinator) DeferCompletion(child *request.Request, ev request.Event) {
	recordEvent(child, ev.Type)
}

// maybeComplete reports completion once expectedEventCount() distinct
// event types have been seen, and performs the restricted-protocol
// done-notify handshake along the way.
func (c *Coordinator) maybeComplete(child *request.Request) iface.CmdResult {
	if child.RdzvEventCount < c.expectedEventCount()-boolToInt(c.Restricted) {
		return iface.CmdSuccess
	}

	if c.Restricted && child.RdzvEventCount < c.expectedEventCount() {
		return c.sendDoneNotify(child)
	}

	c.credits--
	if c.Reporter != nil {
		if child.Parent != nil {
			c.Reporter.FinishChild(child.Parent, child)
		} else {
			c.Reporter.Complete(child)
		}
	}
	return iface.CmdSuccess
}

// sendDoneNotify implements the restricted protocol's done-notify: a
// zero-byte put back to the initiator with rdzv_done=1, retried on a
// transient event-queue-full status.
func (c *Coordinator) sendDoneNotify(child *request.Request) iface.CmdResult {
	lo, hi := matchbits.SplitRdzvID(child.RdzvID)
	cmd := iface.PutCmd{
		ReqID:     child.ID,
		Dest:      iface.CAddr{NIC: child.RdzvInitNIC, PID: child.RdzvInitPID},
		MatchBits: matchbits.Encode(matchbits.Bits{RdzvDone: true, RdzvIDLo: lo, RdzvIDHi: hi}),
	}
	res := c.CQ.Put(context.TODO(), cmd)
	for res == iface.CmdTryLater {
		c.Sleep(c.RetryDelay)
		res = c.CQ.Put(context.TODO(), cmd)
	}
	return res
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
