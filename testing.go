package cxicore

import (
	"context"
	"sync"

	"github.com/hpcfabric/cxicore/internal/iface"
)

// MockNIC provides a mock implementation of iface.CommandQueue and
// iface.CQBinding for testing. It records every command and completion for
// later inspection and lets a test script the result returned for each
// command kind, so callback/state-machine logic can be exercised without a
// real device underneath.
type MockNIC struct {
	mu sync.RWMutex

	hasCapacity         bool
	eventQueueSaturated bool

	appendResult      iface.CmdResult
	unlinkResult      iface.CmdResult
	searchResult      iface.CmdResult
	putResult         iface.CmdResult
	getResult         iface.CmdResult
	stateChangeResult iface.CmdResult

	appends      []iface.AppendCmd
	unlinks      []uint64
	searches     []iface.SearchCmd
	puts         []iface.PutCmd
	gets         []iface.GetCmd
	stateChanges []uint32

	completions      []iface.CompletionEntry
	completionErrors []completionError
}

type completionError struct {
	entry         iface.CompletionEntry
	code          uint32
	providerErrno int32
}

// NewMockNIC returns a MockNIC with capacity available and every command
// defaulting to CmdSuccess.
func NewMockNIC() *MockNIC {
	return &MockNIC{
		hasCapacity:       true,
		appendResult:      iface.CmdSuccess,
		unlinkResult:      iface.CmdSuccess,
		searchResult:      iface.CmdSuccess,
		putResult:         iface.CmdSuccess,
		getResult:         iface.CmdSuccess,
		stateChangeResult: iface.CmdSuccess,
	}
}

// HasCapacity implements iface.CommandQueue.
func (n *MockNIC) HasCapacity() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hasCapacity
}

// EventQueueSaturated implements iface.CommandQueue.
func (n *MockNIC) EventQueueSaturated() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.eventQueueSaturated
}

// Append implements iface.CommandQueue.
func (n *MockNIC) Append(ctx context.Context, cmd iface.AppendCmd) iface.CmdResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appends = append(n.appends, cmd)
	return n.appendResult
}

// Unlink implements iface.CommandQueue.
func (n *MockNIC) Unlink(ctx context.Context, reqID uint64) iface.CmdResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlinks = append(n.unlinks, reqID)
	return n.unlinkResult
}

// Search implements iface.CommandQueue.
func (n *MockNIC) Search(ctx context.Context, cmd iface.SearchCmd) iface.CmdResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.searches = append(n.searches, cmd)
	return n.searchResult
}

// Put implements iface.CommandQueue.
func (n *MockNIC) Put(ctx context.Context, cmd iface.PutCmd) iface.CmdResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.puts = append(n.puts, cmd)
	return n.putResult
}

// Get implements iface.CommandQueue.
func (n *MockNIC) Get(ctx context.Context, cmd iface.GetCmd) iface.CmdResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gets = append(n.gets, cmd)
	return n.getResult
}

// StateChange implements iface.CommandQueue.
func (n *MockNIC) StateChange(ctx context.Context, newState uint32) iface.CmdResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateChanges = append(n.stateChanges, newState)
	return n.stateChangeResult
}

// Complete implements iface.CQBinding.
func (n *MockNIC) Complete(entry iface.CompletionEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, entry)
}

// CompleteError implements iface.CQBinding.
func (n *MockNIC) CompleteError(entry iface.CompletionEntry, code uint32, providerErrno int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completionErrors = append(n.completionErrors, completionError{entry, code, providerErrno})
}

// Scripting helpers.

// SetHasCapacity configures the value HasCapacity reports.
func (n *MockNIC) SetHasCapacity(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hasCapacity = v
}

// SetEventQueueSaturated configures the value EventQueueSaturated reports.
func (n *MockNIC) SetEventQueueSaturated(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventQueueSaturated = v
}

// SetAppendResult scripts the result returned by the next and subsequent
// Append calls.
func (n *MockNIC) SetAppendResult(r iface.CmdResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appendResult = r
}

// SetSearchResult scripts the result returned by Search.
func (n *MockNIC) SetSearchResult(r iface.CmdResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.searchResult = r
}

// SetPutResult scripts the result returned by Put.
func (n *MockNIC) SetPutResult(r iface.CmdResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.putResult = r
}

// SetGetResult scripts the result returned by Get.
func (n *MockNIC) SetGetResult(r iface.CmdResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.getResult = r
}

// SetStateChangeResult scripts the result returned by StateChange.
func (n *MockNIC) SetStateChangeResult(r iface.CmdResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateChangeResult = r
}

// Inspection helpers.

// Appends returns a copy of every Append command observed.
func (n *MockNIC) Appends() []iface.AppendCmd {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]iface.AppendCmd, len(n.appends))
	copy(out, n.appends)
	return out
}

// Searches returns a copy of every Search command observed.
func (n *MockNIC) Searches() []iface.SearchCmd {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]iface.SearchCmd, len(n.searches))
	copy(out, n.searches)
	return out
}

// Puts returns a copy of every Put command observed.
func (n *MockNIC) Puts() []iface.PutCmd {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]iface.PutCmd, len(n.puts))
	copy(out, n.puts)
	return out
}

// Gets returns a copy of every Get command observed.
func (n *MockNIC) Gets() []iface.GetCmd {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]iface.GetCmd, len(n.gets))
	copy(out, n.gets)
	return out
}

// Completions returns a copy of every successful completion reported.
func (n *MockNIC) Completions() []iface.CompletionEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]iface.CompletionEntry, len(n.completions))
	copy(out, n.completions)
	return out
}

// CallCounts reports how many times each command kind was issued, mirroring
// the call-tracking style used elsewhere in this package's tests.
func (n *MockNIC) CallCounts() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return map[string]int{
		"append":       len(n.appends),
		"unlink":       len(n.unlinks),
		"search":       len(n.searches),
		"put":          len(n.puts),
		"get":          len(n.gets),
		"stateChange":  len(n.stateChanges),
		"completion":   len(n.completions),
		"completionErr": len(n.completionErrors),
	}
}

// Reset clears all recorded calls without touching the scripted results.
func (n *MockNIC) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appends = nil
	n.unlinks = nil
	n.searches = nil
	n.puts = nil
	n.gets = nil
	n.stateChanges = nil
	n.completions = nil
	n.completionErrors = nil
}

// Compile-time interface checks.
var (
	_ iface.CommandQueue = (*MockNIC)(nil)
	_ iface.CQBinding    = (*MockNIC)(nil)
)
