package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/request"
)

type fakeCQ struct {
	gets      []iface.GetCmd
	puts      []iface.PutCmd
	putResult []iface.CmdResult
	getResult iface.CmdResult
}

func (f *fakeCQ) HasCapacity() bool         { return true }
func (f *fakeCQ) EventQueueSaturated() bool { return false }
func (f *fakeCQ) Append(ctx context.Context, cmd iface.AppendCmd) iface.CmdResult { return iface.CmdSuccess }
func (f *fakeCQ) Unlink(ctx context.Context, id uint64) iface.CmdResult           { return iface.CmdSuccess }
func (f *fakeCQ) Search(ctx context.Context, cmd iface.SearchCmd) iface.CmdResult { return iface.CmdSuccess }
func (f *fakeCQ) StateChange(ctx context.Context, s uint32) iface.CmdResult       { return iface.CmdSuccess }
func (f *fakeCQ) Get(ctx context.Context, cmd iface.GetCmd) iface.CmdResult {
	f.gets = append(f.gets, cmd)
	return f.getResult
}
func (f *fakeCQ) Put(ctx context.Context, cmd iface.PutCmd) iface.CmdResult {
	f.puts = append(f.puts, cmd)
	if len(f.putResult) >= len(f.puts) {
		return f.putResult[len(f.puts)-1]
	}
	return iface.CmdSuccess
}

type fakeReporter struct {
	completed []*request.Request
}

func (f *fakeReporter) Complete(child *request.Request)               { f.completed = append(f.completed, child) }
func (f *fakeReporter) FinishChild(parent, child *request.Request)     { f.completed = append(f.completed, child) }

func TestRendezvousAlignsPullToCacheLine(t *testing.T) {
	cq := &fakeCQ{}
	c := New(cq, nil, &fakeReporter{}, false)

	child := request.NewRequest(request.KindReceive)
	child.UserBuf = 0x10000
	child.DataLen = 1000

	ev := request.Event{Type: request.EventRendezvous, MLength: 100, RemoteOffset: 500, RdzvLAC: 2}
	if got := c.HandleEvent(child, ev); got != iface.CmdSuccess {
		t.Fatalf("HandleEvent(RENDEZVOUS) = %v, want CmdSuccess", got)
	}
	if len(cq.gets) != 1 {
		t.Fatalf("expected 1 Get command, got %d", len(cq.gets))
	}
	got := cq.gets[0]
	if got.LocalBuf%64 != 0 {
		t.Errorf("LocalBuf %x not cache-line aligned", got.LocalBuf)
	}
}

func TestNonRestrictedCompletesOnThreeEvents(t *testing.T) {
	cq := &fakeCQ{}
	rep := &fakeReporter{}
	c := New(cq, nil, rep, false)

	child := request.NewRequest(request.KindReceive)
	child.UserBuf = 0x10000
	child.DataLen = 1000

	c.HandleEvent(child, request.Event{Type: request.EventPutOverflow, MLength: 10})
	c.HandleEvent(child, request.Event{Type: request.EventRendezvous, MLength: 10, RemoteOffset: 64})
	if len(rep.completed) != 0 {
		t.Fatal("should not complete after only 2 distinct events")
	}
	c.HandleEvent(child, request.Event{Type: request.EventReply})
	if len(rep.completed) != 1 {
		t.Fatalf("expected completion after 3rd distinct event, got %d completions", len(rep.completed))
	}
}

func TestRestrictedRequiresDoneNotifyAck(t *testing.T) {
	cq := &fakeCQ{}
	rep := &fakeReporter{}
	c := New(cq, nil, rep, true)
	c.Sleep = func(time.Duration) {}

	child := request.NewRequest(request.KindReceive)
	child.UserBuf = 0x10000
	child.DataLen = 1000

	c.HandleEvent(child, request.Event{Type: request.EventPutOverflow, MLength: 10})
	c.HandleEvent(child, request.Event{Type: request.EventRendezvous, MLength: 10, RemoteOffset: 64})
	c.HandleEvent(child, request.Event{Type: request.EventReply})
	if len(rep.completed) != 0 {
		t.Fatal("restricted protocol must not complete before the done-notify ack")
	}
	if len(cq.puts) != 1 {
		t.Fatalf("expected a done-notify put to have been issued, got %d puts", len(cq.puts))
	}

	c.HandleEvent(child, request.Event{Type: request.EventAck})
	if len(rep.completed) != 1 {
		t.Fatalf("expected completion after the done-notify ack, got %d completions", len(rep.completed))
	}
}

func TestDoneNotifyRetriesOnTryLater(t *testing.T) {
	cq := &fakeCQ{putResult: []iface.CmdResult{iface.CmdTryLater, iface.CmdTryLater, iface.CmdSuccess}}
	rep := &fakeReporter{}
	sleeps := 0
	c := New(cq, nil, rep, true)
	c.Sleep = func(time.Duration) { sleeps++ }

	child := request.NewRequest(request.KindReceive)
	child.UserBuf = 0x10000
	child.DataLen = 100

	c.HandleEvent(child, request.Event{Type: request.EventPutOverflow, MLength: 10})
	c.HandleEvent(child, request.Event{Type: request.EventRendezvous, MLength: 10, RemoteOffset: 64})
	c.HandleEvent(child, request.Event{Type: request.EventReply})

	if sleeps != 2 {
		t.Fatalf("expected 2 retry sleeps, got %d", sleeps)
	}
	if len(cq.puts) != 3 {
		t.Fatalf("expected 3 put attempts, got %d", len(cq.puts))
	}
}

func TestSourceReuseBeforeDrainReturnsTryLater(t *testing.T) {
	cq := &fakeCQ{}
	c := New(cq, nil, &fakeReporter{}, false)

	child := request.NewRequest(request.KindReceive)
	child.UserBuf = 0x10000
	child.DataLen = 1000

	c.HandleEvent(child, request.Event{Type: request.EventPutOverflow, MLength: 10})
	got := c.HandleEvent(child, request.Event{Type: request.EventPutOverflow, MLength: 10})
	if got != iface.CmdTryLater {
		t.Fatalf("repeated event type = %v, want CmdTryLater (source reuse)", got)
	}
}
