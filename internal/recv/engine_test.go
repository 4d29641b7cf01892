package recv

import (
	"context"
	"testing"

	"github.com/hpcfabric/cxicore/internal/deferred"
	"github.com/hpcfabric/cxicore/internal/epstate"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/overflow"
	"github.com/hpcfabric/cxicore/internal/request"
)

type fixedState struct{ s epstate.State }

func (f fixedState) State() epstate.State { return f.s }

type fakeCQ struct {
	appendResult iface.CmdResult
	appends      []iface.AppendCmd
	searches     []iface.SearchCmd
	unlinks      []uint64
}

func (f *fakeCQ) HasCapacity() bool          { return true }
func (f *fakeCQ) EventQueueSaturated() bool  { return false }
func (f *fakeCQ) Append(ctx context.Context, cmd iface.AppendCmd) iface.CmdResult {
	f.appends = append(f.appends, cmd)
	return f.appendResult
}
func (f *fakeCQ) Unlink(ctx context.Context, id uint64) iface.CmdResult {
	f.unlinks = append(f.unlinks, id)
	return iface.CmdSuccess
}
func (f *fakeCQ) Search(ctx context.Context, cmd iface.SearchCmd) iface.CmdResult {
	f.searches = append(f.searches, cmd)
	return iface.CmdSuccess
}
func (f *fakeCQ) Put(ctx context.Context, cmd iface.PutCmd) iface.CmdResult   { return iface.CmdSuccess }
func (f *fakeCQ) Get(ctx context.Context, cmd iface.GetCmd) iface.CmdResult   { return iface.CmdSuccess }
func (f *fakeCQ) StateChange(ctx context.Context, s uint32) iface.CmdResult  { return iface.CmdSuccess }

type fakeCQBinding struct {
	completions []iface.CompletionEntry
}

func (f *fakeCQBinding) Complete(e iface.CompletionEntry) { f.completions = append(f.completions, e) }
func (f *fakeCQBinding) CompleteError(e iface.CompletionEntry, code uint32, errno int32) {
	f.completions = append(f.completions, e)
}

func newTestEngine() (*Engine, *request.Arena, *fakeCQ) {
	arena := request.NewArena()
	cq := &fakeCQ{appendResult: iface.CmdSuccess}
	e := New(arena, deferred.New(), overflow.New(overflow.Config{}), cq, nil, nil, fixedState{epstate.Enabled}, nil)
	return e, arena, cq
}

func TestPostRejectedWhenDisabled(t *testing.T) {
	arena := request.NewArena()
	cq := &fakeCQ{}
	e := New(arena, deferred.New(), overflow.New(overflow.Config{}), cq, nil, nil, fixedState{epstate.Disabled}, nil)

	req := request.NewRequest(request.KindReceive)
	arena.Alloc(req)
	if got := e.Post(req, iface.MatchID{Wildcard: true}); got != iface.CmdTryLater {
		t.Fatalf("Post() in DISABLED state = %v, want CmdTryLater", got)
	}
}

func TestPostInvalidBufferIsFatal(t *testing.T) {
	e, arena, _ := newTestEngine()
	req := request.NewRequest(request.KindReceive)
	req.ULen = 64
	req.UserBuf = 0
	arena.Alloc(req)
	if got := e.Post(req, iface.MatchID{Wildcard: true}); got != iface.CmdFatal {
		t.Fatalf("Post() with len>0, buf=0 = %v, want CmdFatal", got)
	}
}

func TestQueueAppendsToHardwareWhenNoSoftwareMatch(t *testing.T) {
	e, arena, cq := newTestEngine()
	cqb := &fakeCQBinding{}
	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 64
	req.Tag = 5
	req.CQ = cqb
	arena.Alloc(req)

	if got := e.Post(req, iface.MatchID{Wildcard: true}); got != iface.CmdSuccess {
		t.Fatalf("Post() = %v, want CmdSuccess", got)
	}
	if len(cq.appends) != 1 {
		t.Fatalf("expected 1 append command, got %d", len(cq.appends))
	}
}

func TestQueueMatchesExistingUXRecord(t *testing.T) {
	e, arena, cq := newTestEngine()
	cqb := &fakeCQBinding{}

	rec := &UXRecord{Tag: 5, Event: request.Event{Type: request.EventPutOverflow, MLength: 16, RLength: 16}}
	e.swUXList = append(e.swUXList, rec)

	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 64
	req.Tag = 5
	req.CQ = cqb
	arena.Alloc(req)

	if got := e.Post(req, iface.MatchID{Wildcard: true}); got != iface.CmdSuccess {
		t.Fatalf("Post() = %v, want CmdSuccess", got)
	}
	if len(cq.appends) != 0 {
		t.Fatal("a software match should not emit an append command")
	}
	if len(cqb.completions) != 1 {
		t.Fatalf("expected 1 completion from the software-matched path, got %d", len(cqb.completions))
	}
	found := false
	for _, r := range e.swUXList {
		if r == rec {
			found = true
		}
	}
	if found {
		t.Fatal("consumed UX record should have been removed from swUXList")
	}
}

func TestHandlePutOverflowThenPutPairs(t *testing.T) {
	e, arena, _ := newTestEngine()
	cqb := &fakeCQBinding{}

	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 64
	req.CQ = cqb
	arena.Alloc(req)

	ovflEv := request.Event{Type: request.EventPutOverflow, OverflowStart: 0x1000, MLength: 32, RLength: 32}
	if got := e.HandleEvent(req, ovflEv); got != iface.CmdSuccess {
		t.Fatalf("HandleEvent(PUT_OVERFLOW) = %v, want CmdSuccess", got)
	}
	if len(cqb.completions) != 0 {
		t.Fatal("no completion expected before the matching PUT arrives")
	}

	putEv := request.Event{Type: request.EventPut, OverflowStart: 0x1000, MLength: 32, RLength: 32}
	if got := e.HandleEvent(req, putEv); got != iface.CmdSuccess {
		t.Fatalf("HandleEvent(PUT) = %v, want CmdSuccess", got)
	}
	if len(cqb.completions) != 1 {
		t.Fatalf("expected 1 completion after the pairing PUT, got %d", len(cqb.completions))
	}
	if e.Deferred.Len() != 0 {
		t.Fatalf("deferred table should be empty after pairing, Len() = %d", e.Deferred.Len())
	}
}

func TestHandlePutOverflowWaitsForPut(t *testing.T) {
	e, arena, _ := newTestEngine()
	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 64
	arena.Alloc(req)

	ev := request.Event{Type: request.EventPutOverflow, OverflowStart: 0x2000, MLength: 8, RLength: 8}
	e.HandleEvent(req, ev)
	if e.Deferred.Len() != 1 {
		t.Fatalf("Deferred.Len() = %d, want 1 (unmatched half stored)", e.Deferred.Len())
	}
}

func TestCancelOnSoftwareQueue(t *testing.T) {
	e, arena, _ := newTestEngine()
	e.SoftwareManaged = true
	cqb := &fakeCQBinding{}
	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 64
	req.CQ = cqb
	arena.Alloc(req)

	e.Post(req, iface.MatchID{Wildcard: true})
	if got := e.Cancel(req); got != iface.CmdSuccess {
		t.Fatalf("Cancel() = %v, want CmdSuccess", got)
	}
	if req.RecvFlags&request.RecvFlagCanceled == 0 {
		t.Fatal("expected RecvFlagCanceled to be set")
	}
}

func TestCancelUnlinksHardwarePosted(t *testing.T) {
	e, arena, cq := newTestEngine()
	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 64
	arena.Alloc(req)
	e.Post(req, iface.MatchID{Wildcard: true})

	if got := e.Cancel(req); got != iface.CmdSuccess {
		t.Fatalf("Cancel() = %v, want CmdSuccess", got)
	}
	if len(cq.unlinks) != 1 || cq.unlinks[0] != req.ID {
		t.Fatalf("expected an unlink for req %d, got %v", req.ID, cq.unlinks)
	}
}

type fakeMemRegistrar struct{}

func (fakeMemRegistrar) Register(buf []byte) (iface.MemRegion, error) { return nil, nil }
func (fakeMemRegistrar) Deregister(iface.MemRegion) error             { return nil }

type fakeMemRegion struct {
	written []byte
	off     int
}

func (*fakeMemRegion) LAC() uint8 { return 0 }
func (r *fakeMemRegion) CopyIn(dst []byte, off int, src []byte) (int, error) {
	r.off = off
	r.written = append([]byte(nil), src...)
	return len(src), nil
}

// TestUxSendCopiesRealOverflowBytes is the regression case for §4.3.3 step
// 4: the unexpected payload copied into the receive buffer must be the
// bytes the NIC actually wrote into the overflow buffer, not zeros, and
// the overflow buffer's consumed-bytes counter must advance so it can be
// reclaimed.
func TestUxSendCopiesRealOverflowBytes(t *testing.T) {
	arena := request.NewArena()
	cq := &fakeCQ{appendResult: iface.CmdSuccess}
	pool := overflow.New(overflow.Config{BufSize: 64, MinPosted: 1, MaxCached: 1})
	buf := pool.Acquire()
	for i := range buf.Data[:32] {
		buf.Data[i] = 0x11
	}
	buf.Posted = 32

	e := New(arena, deferred.New(), pool, cq, fakeMemRegistrar{}, nil, fixedState{epstate.Enabled}, nil)

	region := &fakeMemRegion{}
	req := request.NewRequest(request.KindReceive)
	req.UserBuf = 1
	req.ULen = 256
	req.MemRegion = region
	arena.Alloc(req)

	start := buf.Addr
	ovflEv := request.Event{Type: request.EventPutOverflow, OverflowStart: start, MLength: 32, RLength: 32}
	if got := e.HandleEvent(req, ovflEv); got != iface.CmdSuccess {
		t.Fatalf("HandleEvent(PUT_OVERFLOW) = %v, want CmdSuccess", got)
	}
	putEv := request.Event{Type: request.EventPut, OverflowStart: start, MLength: 32, RLength: 32}
	if got := e.HandleEvent(req, putEv); got != iface.CmdSuccess {
		t.Fatalf("HandleEvent(PUT) = %v, want CmdSuccess", got)
	}

	if len(region.written) != 32 {
		t.Fatalf("copied %d bytes, want 32", len(region.written))
	}
	for i, b := range region.written {
		if b != 0x11 {
			t.Fatalf("written[%d] = %#x, want 0x11 (copied from the overflow buffer, not zeros)", i, b)
		}
	}
	if buf.Remaining() != 0 {
		t.Fatalf("buf.Remaining() = %d, want 0 after Consume", buf.Remaining())
	}
}
