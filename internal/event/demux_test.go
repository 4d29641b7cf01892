package event

import (
	"testing"

	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/request"
)

func TestDispatchSuccess(t *testing.T) {
	arena := request.NewArena()
	var gotEvent request.Event
	r := request.NewRequest(request.KindReceive)
	r.Callback = func(req *request.Request, ev request.Event) iface.CmdResult {
		gotEvent = ev
		return iface.CmdSuccess
	}
	id := arena.Alloc(r)

	d := New(arena, nil)
	outcome, err := d.Dispatch(request.Event{Type: request.EventPut, ReqID: id})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome != OutcomeConsumed {
		t.Errorf("outcome = %v, want OutcomeConsumed", outcome)
	}
	if gotEvent.ReqID != id {
		t.Errorf("callback saw ReqID %d, want %d", gotEvent.ReqID, id)
	}
}

func TestDispatchTryLaterStopsBatch(t *testing.T) {
	arena := request.NewArena()
	calls := 0
	r := request.NewRequest(request.KindReceive)
	r.Callback = func(req *request.Request, ev request.Event) iface.CmdResult {
		calls++
		if calls == 2 {
			return iface.CmdTryLater
		}
		return iface.CmdSuccess
	}
	id := arena.Alloc(r)

	d := New(arena, nil)
	events := []request.Event{
		{Type: request.EventPut, ReqID: id},
		{Type: request.EventPut, ReqID: id},
		{Type: request.EventPut, ReqID: id},
	}
	consumed, err := d.DispatchBatch(events)
	if err != nil {
		t.Fatalf("DispatchBatch() error = %v", err)
	}
	if consumed != 1 {
		t.Errorf("consumed = %d, want 1 (stop at the try-later event)", consumed)
	}
}

func TestDispatchFatal(t *testing.T) {
	arena := request.NewArena()
	r := request.NewRequest(request.KindReceive)
	r.Callback = func(req *request.Request, ev request.Event) iface.CmdResult {
		return iface.CmdFatal
	}
	id := arena.Alloc(r)

	d := New(arena, nil)
	_, err := d.Dispatch(request.Event{Type: request.EventStateChange, ReqID: id})
	if err == nil {
		t.Fatal("expected a FatalError")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("error type = %T, want *FatalError", err)
	}
}

func TestDispatchUnknownRequestIsConsumed(t *testing.T) {
	arena := request.NewArena()
	d := New(arena, nil)
	outcome, err := d.Dispatch(request.Event{Type: request.EventPut, ReqID: 42})
	if err != nil {
		t.Fatalf("Dispatch() on unknown req should not error, got: %v", err)
	}
	if outcome != OutcomeConsumed {
		t.Errorf("outcome = %v, want OutcomeConsumed (drop silently)", outcome)
	}
}
