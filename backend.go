// Package cxicore implements the core of a point-to-point tagged/untagged
// message-passing engine over a match-offloading NIC.
package cxicore

import (
	"fmt"
	"sync"

	"github.com/hpcfabric/cxicore/internal/config"
	"github.com/hpcfabric/cxicore/internal/deferred"
	"github.com/hpcfabric/cxicore/internal/epstate"
	"github.com/hpcfabric/cxicore/internal/event"
	"github.com/hpcfabric/cxicore/internal/flowcontrol"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/logging"
	"github.com/hpcfabric/cxicore/internal/overflow"
	"github.com/hpcfabric/cxicore/internal/recv"
	"github.com/hpcfabric/cxicore/internal/rendezvous"
	"github.com/hpcfabric/cxicore/internal/request"
	"github.com/hpcfabric/cxicore/internal/send"
)

// Endpoint is the sole aggregate: one endpoint owns the request arena, the
// deferred-event table, the overflow pool, and the seven cooperating
// components wired over them. Every exported method expects the caller to
// already hold Lock — the engine is single-threaded per endpoint and never
// suspends mid-callback.
type Endpoint struct {
	mu sync.Mutex

	Config  *config.Config
	Logger  *logging.Logger
	Metrics *Metrics

	Arena      *request.Arena
	Deferred   *deferred.Table
	Overflow   *overflow.Pool
	FlowCtl    *flowcontrol.Machine
	Recv       *recv.Engine
	Rendezvous *rendezvous.Coordinator
	Send       *send.Engine
	Demux      *event.Demux

	// CQBind is the completion-queue binding every request posted through
	// PostReceive/PostSend is stamped with if it doesn't already carry one;
	// it records a completion metric before forwarding to the caller's
	// binding.
	CQBind iface.CQBinding
}

// Params bundles the collaborators an Endpoint needs from the outside
// world: the device command queue, memory registration, and completion
// reporting. None of these are implemented by this module (per its scope);
// tests use MockNIC for all three where it satisfies the role.
type Params struct {
	CQ      iface.CommandQueue
	Mem     iface.MemRegistrar
	CQBind  iface.CQBinding
	Config  *config.Config
	Logger  *logging.Logger
	NewerASIC bool
}

// NewEndpoint wires an Endpoint's components together following the
// request/response flow of §3-§7: the arena and deferred table are shared
// state; the flow-control machine tracks endpoint state and drives C3's
// replay/onload behavior through the recv.ReplayQueue interface; the
// rendezvous coordinator reports finished receives back through C3; the
// event demultiplexer resolves every NIC event to its owning request.
func NewEndpoint(p Params) (*Endpoint, error) {
	if p.CQ == nil {
		return nil, fmt.Errorf("cxicore: NewEndpoint requires a non-nil CommandQueue")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cxicore: invalid config: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = logging.Default()
	}

	arena := request.NewArena()
	deferredTable := deferred.New()
	ovfl := overflow.New(overflow.Config{
		BufSize:     uint64(cfg.OflowBufSize),
		MinPosted:   cfg.OflowBufMinPosted,
		MaxCached:   cfg.OflowBufMaxCached,
		MinHeadroom: 0,
	})

	ep := &Endpoint{
		Config:   cfg,
		Logger:   logger,
		Metrics:  NewMetrics(),
		Arena:    arena,
		Deferred: deferredTable,
		Overflow: ovfl,
	}

	recvQueue := &replayBridge{}
	ep.FlowCtl = flowcontrol.New(p.CQ, logger, recvQueue, p.NewerASIC)
	ep.FlowCtl.HybridEnabled = cfg.HybridEnabled()

	rdzv := rendezvous.New(p.CQ, logger, nil, cfg.RdzvProtocol == config.RdzvProtocolRestricted)
	ep.Rendezvous = rdzv

	ep.Recv = recv.New(arena, deferredTable, ovfl, p.CQ, p.Mem, logger, ep.FlowCtl, rdzv)
	ep.Recv.MinMultiRecv = uint64(cfg.MinMultiRecv)
	recvQueue.engine = ep.Recv
	rdzv.Reporter = ep.Recv

	ep.Send = send.New(p.CQ, p.Mem, logger)
	ep.Send.InjectSize = uint64(cfg.InjectSize)
	ep.Send.RdzvThreshold = uint64(cfg.RdzvThreshold)
	ep.Send.IDCEnabled = !cfg.DisableNonInjectMsgIDC

	ep.Demux = event.New(arena, logger)
	ep.CQBind = &instrumentedCQ{metrics: ep.Metrics, inner: p.CQBind}

	return ep, nil
}

// instrumentedCQ wraps a caller-supplied CQBinding so every completion
// that flows through it also updates the endpoint's Metrics, mirroring the
// way this ecosystem layers an Observer around raw I/O completions.
type instrumentedCQ struct {
	metrics *Metrics
	inner   iface.CQBinding
}

func (c *instrumentedCQ) Complete(entry iface.CompletionEntry) {
	c.metrics.RecordCompletion(KindOK)
	if c.inner != nil {
		c.inner.Complete(entry)
	}
}

func (c *instrumentedCQ) CompleteError(entry iface.CompletionEntry, code uint32, providerErrno int32) {
	c.metrics.RecordCompletion(KindProvider)
	if c.inner != nil {
		c.inner.CompleteError(entry, code, providerErrno)
	}
}

// replayBridge defers construction of flowcontrol.New's ReplayQueue
// argument until the recv.Engine it wraps exists, since the two
// collaborators are constructed in sequence but reference each other.
type replayBridge struct {
	engine *recv.Engine
}

func (b *replayBridge) ReplaySaved() iface.CmdResult {
	if b.engine == nil {
		return iface.CmdSuccess
	}
	return b.engine.ReplaySaved()
}

func (b *replayBridge) OnloadUnexpected() iface.CmdResult {
	if b.engine == nil {
		return iface.CmdSuccess
	}
	return b.engine.OnloadUnexpected()
}

// PostReceive allocates req an id in the shared arena if it doesn't
// already have one, stamps it with the endpoint's instrumented completion
// binding if it doesn't already carry one, then posts it through C3.
func (e *Endpoint) PostReceive(req *request.Request, initiator iface.MatchID) iface.CmdResult {
	if req.ID == 0 {
		e.Arena.Alloc(req)
	}
	if req.CQ == nil {
		req.CQ = e.CQBind
	}
	if req.Callback == nil {
		req.Callback = e.Recv.HandleEvent
	}
	return e.Recv.Post(req, initiator)
}

// PostSend allocates req an id in the shared arena if it doesn't already
// have one, stamps it with the endpoint's instrumented completion binding
// if it doesn't already carry one, then sends it through C6.
func (e *Endpoint) PostSend(req *request.Request, triggered bool) iface.CmdResult {
	if req.ID == 0 {
		e.Arena.Alloc(req)
	}
	if req.CQ == nil {
		req.CQ = e.CQBind
	}
	if req.Callback == nil {
		path := send.ChoosePath(req.Len, req.Flags&request.FlagInject != 0, e.Send.IDCEnabled, triggered, e.Send.InjectSize, e.Send.RdzvThreshold)
		if path == send.PathRendezvous {
			req.Callback = e.Send.RendezvousAckCallback
		} else {
			req.Callback = e.Send.EagerAckCallback
		}
	}
	return e.Send.Send(req, triggered)
}

// Cancel cancels a posted receive through C3.
func (e *Endpoint) Cancel(req *request.Request) iface.CmdResult {
	return e.Recv.Cancel(req)
}

// Peek performs a non-destructive unexpected-list lookup through C3.
func (e *Endpoint) Peek(req *request.Request) iface.CmdResult {
	if req.ID == 0 {
		e.Arena.Alloc(req)
	}
	if req.CQ == nil {
		req.CQ = e.CQBind
	}
	return e.Recv.Peek(req)
}

// Lock acquires the endpoint-wide lock. Every operation that touches arena,
// deferred table, overflow pool, or any component's state must hold it for
// its duration (§5).
func (e *Endpoint) Lock() { e.mu.Lock() }

// Unlock releases the endpoint-wide lock.
func (e *Endpoint) Unlock() { e.mu.Unlock() }

// HandleEvent dispatches one NIC event through the demultiplexer,
// recording a completion metric when the resolved request's callback
// reports a terminal outcome. Callers must hold Lock.
func (e *Endpoint) HandleEvent(ev request.Event) (event.Outcome, error) {
	return e.Demux.Dispatch(ev)
}

// HandleEvents drains a batch of NIC events in order, stopping at the
// first try-later or fatal error. Callers must hold Lock.
func (e *Endpoint) HandleEvents(evs []request.Event) (consumed int, err error) {
	return e.Demux.DispatchBatch(evs)
}

// State reports the endpoint's current flow-control state (§4.7.1).
func (e *Endpoint) State() epstate.State {
	return e.FlowCtl.State()
}
