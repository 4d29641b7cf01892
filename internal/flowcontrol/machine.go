// Package flowcontrol implements the flow-control subsystem (C7):
// §4.7.1's receiver-side endpoint state machine (LE exhaustion,
// onload/replay, drop-count reconciliation, hybrid preemptive
// transitions) plus the FC_NOTIFY/FC_RESUME control-message senders.
// §4.7.2's sender-side peer drop/resume bookkeeping lives in
// internal/send's Peer; this package does not call into it.
package flowcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/hpcfabric/cxicore/internal/constants"
	"github.com/hpcfabric/cxicore/internal/epstate"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/matchbits"
)

// DisableReason mirrors the NIC's SC_*/SM_*_FAIL disable-reason codes
// that drive the §4.7.1 transition table.
type DisableReason int

const (
	ReasonManual DisableReason = iota
	ReasonFlowControl
	ReasonSoftwareManagedFail
	ReasonDisUncor
)

// ReplayQueue is the narrow view of the receive engine the machine drives
// during onload and replay: reissuing appends saved while disabled, and
// requesting the NIC return the unexpected list via SEARCH_AND_DELETE so
// C2/C3 can reconstruct their onloaded UX records from the resulting
// events.
type ReplayQueue interface {
	ReplaySaved() iface.CmdResult
	OnloadUnexpected() iface.CmdResult
}

// Machine is C7's receiver-side state machine. It implements
// epstate.Getter so C3 can consult the live state without importing this
// package.
type Machine struct {
	CQ     iface.CommandQueue
	Logger iface.Logger
	Replay ReplayQueue

	// Sleep/RetryDelay drive the §6.2 control-message retry on a transient
	// ENTRY_NOT_FOUND; overridable in tests so they don't actually block.
	Sleep      func(time.Duration)
	RetryDelay time.Duration

	state     epstate.State
	prevState epstate.State

	dropCount     int64
	newerASIC     bool
	peersNotified int
	peersExpected int

	// Hybrid preemptive-transition configuration (§4.7.1's last row).
	HybridEnabled           bool
	HybridLEPoolHint        int
	HybridPostedRecvHint    int
	HybridUnexpectedMsgHint int
}

// New creates a machine starting in ENABLED, per the usual boot sequence
// (an endpoint that starts disabled would never see any of these
// transitions fire).
func New(cq iface.CommandQueue, logger iface.Logger, replay ReplayQueue, newerASIC bool) *Machine {
	m := &Machine{
		CQ:         cq,
		Logger:     logger,
		Replay:     replay,
		newerASIC:  newerASIC,
		state:      epstate.Enabled,
		Sleep:      time.Sleep,
		RetryDelay: constants.DefaultFCRetryDelay,
	}
	m.resetDropCount()
	return m
}

// State implements epstate.Getter.
func (m *Machine) State() epstate.State {
	return m.state
}

func (m *Machine) resetDropCount() {
	if m.newerASIC {
		m.dropCount = 0
	} else {
		m.dropCount = -1
	}
}

// RequestDisable implements the manual-disable transition:
// ENABLED → PENDING_PTLTE_DISABLE.
func (m *Machine) RequestDisable() iface.CmdResult {
	if m.state != epstate.Enabled {
		return iface.CmdTryLater
	}
	res := m.CQ.StateChange(context.TODO(), uint32(ReasonManual))
	if res == iface.CmdSuccess {
		m.transition(epstate.PendingPtlteDisable)
	}
	return res
}

// OnStateChange handles the NIC's disable-reason-tagged state-change
// events, implementing every row of §4.7.1's table keyed by "trigger".
func (m *Machine) OnStateChange(reason DisableReason) (iface.CmdResult, error) {
	if reason == ReasonDisUncor {
		return iface.CmdFatal, fmt.Errorf("flowcontrol: DIS_UNCOR is a fatal disable reason")
	}

	switch {
	case m.state == epstate.Enabled && reason == ReasonFlowControl:
		m.transition(epstate.OnloadFlowControl)
		if err := m.flushAppends(); err != nil {
			return iface.CmdFatal, err
		}
		if err := m.onloadUX(); err != nil {
			return iface.CmdFatal, err
		}
		return iface.CmdSuccess, nil

	case m.state == epstate.Enabled && reason == ReasonSoftwareManagedFail:
		m.transition(epstate.PendingPtlteSoftwareManaged)
		if err := m.flushAppends(); err != nil {
			return iface.CmdFatal, err
		}
		if err := m.onloadUX(); err != nil {
			return iface.CmdFatal, err
		}
		return iface.CmdSuccess, nil

	default:
		return iface.CmdFatal, fmt.Errorf("flowcontrol: no transition for state %s on reason %d", m.state, reason)
	}
}

func (m *Machine) transition(next epstate.State) {
	m.prevState = m.state
	m.state = next
	if m.Logger != nil {
		m.Logger.Debugf("flowcontrol: %s -> %s", m.prevState, m.state)
	}
}

// flushAppends implements §4.7.1's "Flush-appends": a SEARCH with
// match-bits that match nothing, whose completion event acts as a
// barrier proving all previously submitted appends have been processed.
func (m *Machine) flushAppends() error {
	cmd := iface.SearchCmd{MatchBits: ^uint64(0), IgnoreBits: 0}
	if res := m.CQ.Search(context.TODO(), cmd); res == iface.CmdFatal {
		return fmt.Errorf("flowcontrol: flush-appends barrier failed")
	}
	return nil
}

// onloadUX implements §4.7.1's "Onload UX": a SEARCH_AND_DELETE over the
// unexpected list, feeding each returned PUT_OVERFLOW into the deferred
// event/ux-list machinery via the replay collaborator.
func (m *Machine) onloadUX() error {
	if m.Replay == nil {
		return nil
	}
	if m.Replay.OnloadUnexpected() == iface.CmdFatal {
		return fmt.Errorf("flowcontrol: onload UX search-and-delete failed")
	}
	return nil
}

// OnULEFreed handles the "ULE freed event during onload" transition:
// ONLOAD_FLOW_CONTROL → ONLOAD_FLOW_CONTROL_REENABLE.
func (m *Machine) OnULEFreed() {
	if m.state == epstate.OnloadFlowControl {
		m.transition(epstate.OnloadFlowControlReenable)
	}
}

// OnOnloadComplete handles two distinct "onload complete" rows depending
// on which pending state triggered it.
func (m *Machine) OnOnloadComplete() iface.CmdResult {
	switch m.state {
	case epstate.OnloadFlowControlReenable:
		m.transition(epstate.FlowControl)
		return m.replayAppends()
	case epstate.PendingPtlteSoftwareManaged:
		m.transition(epstate.EnabledSoftware)
		return m.replayAppends()
	default:
		return iface.CmdFatal
	}
}

func (m *Machine) replayAppends() iface.CmdResult {
	if m.Replay == nil {
		return iface.CmdSuccess
	}
	return m.Replay.ReplaySaved()
}

// OnNotify handles a received FC_NOTIFY control message: increments the
// drop count and, once every expected NOTIFY is in and the count matches
// the NIC-reported target, re-enables and signals RESUME to every peer.
func (m *Machine) OnNotify(targetDropCount int64) (readyToResume bool) {
	m.dropCount++
	m.peersNotified++
	if m.peersNotified < m.peersExpected {
		return false
	}
	if m.dropCount != targetDropCount {
		// Mismatch while hardware-managed: retry on the next peer-notify
		// rather than resuming now.
		return false
	}

	if m.state == epstate.FlowControl {
		m.transition(epstate.Enabled)
	} else {
		m.transition(epstate.EnabledSoftware)
	}
	m.resetDropCount()
	m.peersNotified = 0
	return true
}

// ExpectPeers records how many distinct peers' NOTIFYs this reconciliation
// round is waiting on, reset at the start of each FLOW_CONTROL episode.
func (m *Machine) ExpectPeers(n int) {
	m.peersExpected = n
	m.peersNotified = 0
}

// SendNotify emits the §6.2 FC_NOTIFY control message: a zero-byte put
// carrying the total drop count in the tag field of a CTRL-typed
// match-bits value, retried on a transient ENTRY_NOT_FOUND exactly like
// the rendezvous coordinator's done-notify.
func (m *Machine) SendNotify(dest iface.CAddr, dropCount uint64) iface.CmdResult {
	return m.sendCtrl(dest, dropCount, false)
}

// SendResume emits the §6.2 FC_RESUME control message to one peer, once
// OnNotify reports the endpoint is ready to resume.
func (m *Machine) SendResume(dest iface.CAddr, dropCount uint64) iface.CmdResult {
	return m.sendCtrl(dest, dropCount, true)
}

func (m *Machine) sendCtrl(dest iface.CAddr, dropCount uint64, resume bool) iface.CmdResult {
	bits := matchbits.Bits{Tag: dropCount, LEType: matchbits.LECtrl, RdzvDone: resume}
	cmd := iface.PutCmd{Dest: dest, MatchBits: matchbits.Encode(bits)}
	for {
		res := m.CQ.Put(context.TODO(), cmd)
		if res != iface.CmdTryLater {
			return res
		}
		if m.Sleep != nil {
			m.Sleep(m.RetryDelay)
		}
	}
}

// ShouldPreemptOnLink implements hybrid check (a): on every LINK event, if
// LE-pool usage exceeds half of the reservation.
func (m *Machine) ShouldPreemptOnLink(used, reserved int) bool {
	return m.HybridEnabled && reserved > 0 && used*2 > reserved
}

// ShouldPreemptOnPost implements hybrid check (b): on each post, if the
// number of posted receives exceeds the configured hint.
func (m *Machine) ShouldPreemptOnPost(posted int) bool {
	return m.HybridEnabled && m.HybridPostedRecvHint > 0 && posted > m.HybridPostedRecvHint
}

// ShouldPreemptOnUnexpected implements hybrid check (c): on unexpected-
// message arrival, if the count of outstanding unexpected headers exceeds
// the request-size hint.
func (m *Machine) ShouldPreemptOnUnexpected(outstanding int) bool {
	return m.HybridEnabled && m.HybridUnexpectedMsgHint > 0 && outstanding > m.HybridUnexpectedMsgHint
}
