// Package cxicore implements the core of a point-to-point tagged/untagged
// message-passing engine over a match-offloading NIC: the event
// demultiplexer, deferred-event table, receive and send engines, the
// rendezvous coordinator, the overflow pool, and the flow-control
// subsystem, wired together behind the Endpoint aggregate.
package cxicore

import (
	"errors"
	"fmt"

	"github.com/hpcfabric/cxicore/internal/request"
)

// Kind is the §7 high-level completion/error category surfaced to the
// application CQ.
type Kind string

const (
	KindOK           Kind = "OK"
	KindCanceled     Kind = "CANCELED"
	KindTrunc        Kind = "TRUNC"
	KindNoMsg        Kind = "NOMSG"
	KindAddrNotAvail Kind = "ADDRNOTAVAIL"
	KindProvider     Kind = "PROVIDER_ERROR"
)

// Error is the structured error reported on a request's completion queue,
// carrying enough context to log or translate without re-deriving it from
// the request.
type Error struct {
	Op         string          // operation that failed (e.g. "Post", "Send", "Cancel")
	ReqID      uint64          // request id (0 if not applicable)
	Kind       Kind            // high-level category
	ReturnCode request.ReturnCode // provider-specific status, when Kind is KindProvider
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	if e.ReqID != 0 {
		return fmt.Sprintf("cxicore: %s: req=%d %s", e.Op, e.ReqID, e.detail())
	}
	return fmt.Sprintf("cxicore: %s: %s", e.Op, e.detail())
}

func (e *Error) detail() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// IsFatal reports whether e carries the DIS_UNCOR provider return code, the
// one fatal class this type can represent. Unexpected event types and
// inconsistent state transitions surface as event.FatalError instead.
// Fatal conditions are not retried — the process is expected to log and
// abort, since continuing risks silent data loss.
func (e *Error) IsFatal() bool {
	return e.Kind == KindProvider && e.ReturnCode == request.RCDisUncor
}

// NewError constructs a structured error for a request-level failure.
func NewError(op string, reqID uint64, kind Kind, msg string) *Error {
	return &Error{Op: op, ReqID: reqID, Kind: kind, Msg: msg}
}

// NewProviderError wraps a NIC-reported return code, mapped through
// mapReturnCode into a Kind.
func NewProviderError(op string, reqID uint64, rc request.ReturnCode) *Error {
	return &Error{
		Op:         op,
		ReqID:      reqID,
		Kind:       mapReturnCode(rc),
		ReturnCode: rc,
		Msg:        rc.String(),
	}
}

// WrapError wraps an arbitrary error with operation context, preserving an
// already-structured *Error's fields.
func WrapError(op string, reqID uint64, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{Op: op, ReqID: reqID, Kind: ce.Kind, ReturnCode: ce.ReturnCode, Msg: ce.Msg, Inner: ce.Inner}
	}
	return &Error{Op: op, ReqID: reqID, Kind: KindProvider, Msg: inner.Error(), Inner: inner}
}

func mapReturnCode(rc request.ReturnCode) Kind {
	switch rc {
	case request.RCOk:
		return KindOK
	case request.RCEntryNotFound:
		return KindNoMsg
	case request.RCTrunc:
		return KindTrunc
	default:
		return KindProvider
	}
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
