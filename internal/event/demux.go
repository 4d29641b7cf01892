// Package event implements the event demultiplexer (C1): it resolves each
// NIC event's opaque user_ptr to a request, invokes that request's bound
// callback, and interprets the result. It never suspends and never retries
// on its own — a try-later result is handed back to the caller, who is
// responsible for re-presenting the event (§4.1, §5).
package event

import (
	"fmt"

	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/logging"
	"github.com/hpcfabric/cxicore/internal/request"
)

// Resolver resolves a request id to its live request. *request.Arena
// implements this.
type Resolver interface {
	Get(id uint64) (*request.Request, bool)
}

// Outcome is what the demultiplexer decided about one event.
type Outcome int

const (
	// OutcomeConsumed means the event was handled; the caller may advance
	// past it.
	OutcomeConsumed Outcome = iota
	// OutcomeTryLater means the event must be re-presented; the caller must
	// not advance past it.
	OutcomeTryLater
)

// FatalError is returned by Dispatch when a callback reports a condition
// that §7 classifies as fatal: an unexpected event type, an inconsistent
// state-machine transition, or a DIS_UNCOR disable reason. The caller is
// expected to log this and terminate the process — continuing risks silent
// data loss.
type FatalError struct {
	ReqID uint64
	Event request.EventType
	Msg   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("event: fatal condition on req %d (event %d): %s", e.ReqID, e.Event, e.Msg)
}

// Demux is the event demultiplexer. One Demux serves one endpoint and is
// called with the endpoint lock held, per §5's single-threaded cooperative
// model.
type Demux struct {
	resolver Resolver
	logger   iface.Logger
}

// New creates a demultiplexer over the given request resolver.
func New(resolver Resolver, logger iface.Logger) *Demux {
	if logger == nil {
		logger = logging.Default()
	}
	return &Demux{resolver: resolver, logger: logger}
}

// Dispatch resolves ev's request and invokes its callback, translating the
// callback's CmdResult into an Outcome or a *FatalError.
//
// An event whose request can no longer be resolved (already freed) is
// silently consumed: this happens legitimately when a manual unlink or
// cancel races a final NIC event for the same request.
func (d *Demux) Dispatch(ev request.Event) (Outcome, error) {
	req, ok := d.resolver.Get(ev.ReqID)
	if !ok {
		d.logger.Debugf("event: req %d not found for event type %d, dropping", ev.ReqID, ev.Type)
		return OutcomeConsumed, nil
	}
	if req.Callback == nil {
		return OutcomeConsumed, &FatalError{ReqID: ev.ReqID, Event: ev.Type, Msg: "request has no bound callback"}
	}

	switch req.Callback(req, ev) {
	case iface.CmdSuccess:
		return OutcomeConsumed, nil
	case iface.CmdTryLater:
		return OutcomeTryLater, nil
	case iface.CmdFatal:
		return OutcomeConsumed, &FatalError{ReqID: ev.ReqID, Event: ev.Type, Msg: "callback reported a fatal condition"}
	default:
		return OutcomeConsumed, &FatalError{ReqID: ev.ReqID, Event: ev.Type, Msg: "callback returned an unrecognized result"}
	}
}

// DispatchBatch drains events in order, stopping at the first try-later
// (the event queue is not advanced past it) or the first fatal error. It
// returns the number of events consumed.
func (d *Demux) DispatchBatch(events []request.Event) (consumed int, err error) {
	for i, ev := range events {
		outcome, dispatchErr := d.Dispatch(ev)
		if dispatchErr != nil {
			return i, dispatchErr
		}
		if outcome == OutcomeTryLater {
			return i, nil
		}
		consumed = i + 1
	}
	return consumed, nil
}
