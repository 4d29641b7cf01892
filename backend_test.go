package cxicore

import (
	"testing"

	"github.com/hpcfabric/cxicore/internal/config"
	"github.com/hpcfabric/cxicore/internal/epstate"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/request"
)

func TestNewEndpointRequiresCommandQueue(t *testing.T) {
	_, err := NewEndpoint(Params{})
	if err == nil {
		t.Fatal("NewEndpoint should reject a nil CommandQueue")
	}
}

func TestNewEndpointDefaults(t *testing.T) {
	nic := NewMockNIC()
	ep, err := NewEndpoint(Params{CQ: nic})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	if ep.State() != epstate.Enabled {
		t.Errorf("State() = %v, want Enabled", ep.State())
	}
	if ep.Recv == nil || ep.Send == nil || ep.Rendezvous == nil || ep.FlowCtl == nil || ep.Demux == nil {
		t.Fatal("NewEndpoint left a component unwired")
	}
}

func TestPostReceiveStampsCompletionBinding(t *testing.T) {
	nic := NewMockNIC()
	ep, err := NewEndpoint(Params{CQ: nic})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}

	req := request.NewRequest(request.KindReceive)
	req.ULen = 0
	req.Tag = 42

	res := ep.PostReceive(req, iface.MatchID{Wildcard: true})
	if res == iface.CmdFatal {
		t.Fatalf("PostReceive() = CmdFatal")
	}
	if req.CQ == nil {
		t.Error("PostReceive should stamp an unset req.CQ with the endpoint binding")
	}
}

func TestPostReceiveRespectsExistingBinding(t *testing.T) {
	nic := NewMockNIC()
	ep, err := NewEndpoint(Params{CQ: nic})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}

	custom := NewMockNIC()
	req := request.NewRequest(request.KindReceive)
	req.CQ = custom

	ep.PostReceive(req, iface.MatchID{Wildcard: true})
	if req.CQ != custom {
		t.Error("PostReceive must not overwrite an already-bound CQ")
	}
}

func TestInstrumentedCQRecordsCompletions(t *testing.T) {
	inner := NewMockNIC()
	m := NewMetrics()
	cq := &instrumentedCQ{metrics: m, inner: inner}

	cq.Complete(iface.CompletionEntry{Tag: 1})
	cq.CompleteError(iface.CompletionEntry{Tag: 2}, 1, 1)

	snap := m.Snapshot()
	if snap.CompletionsOK != 1 {
		t.Errorf("CompletionsOK = %d, want 1", snap.CompletionsOK)
	}
	if snap.CompletionsError != 1 {
		t.Errorf("CompletionsError = %d, want 1", snap.CompletionsError)
	}
	if len(inner.Completions()) != 1 {
		t.Errorf("inner binding should still receive the completion, got %d", len(inner.Completions()))
	}
}

func TestEndpointLockUnlock(t *testing.T) {
	nic := NewMockNIC()
	ep, err := NewEndpoint(Params{CQ: nic})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	ep.Lock()
	ep.Unlock()
}

func TestEndpointRejectsInvalidConfig(t *testing.T) {
	nic := NewMockNIC()
	cfg := config.Default()
	cfg.RxMatchMode = "bogus"

	if _, err := NewEndpoint(Params{CQ: nic, Config: cfg}); err == nil {
		t.Error("NewEndpoint should reject an invalid config")
	}
}
