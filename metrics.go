package cxicore

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds per-endpoint operational counters: completions by kind,
// per-path send counts, overflow/rendezvous activity, and flow-control
// episodes. Only the completion counters are updated by the engine, through
// the endpoint's completion binding; no component increments the others.
// All fields are safe for concurrent use even though the engine
// itself is single-threaded per endpoint, since metrics may be read from a
// Prometheus scrape goroutine.
type Metrics struct {
	// Completions.
	CompletionsOK       atomic.Uint64
	CompletionsCanceled atomic.Uint64
	CompletionsTrunc    atomic.Uint64
	CompletionsError    atomic.Uint64

	// Send-path selection (§4.6).
	SendEagerZero  atomic.Uint64
	SendEagerIDC   atomic.Uint64
	SendEagerDMA   atomic.Uint64
	SendRendezvous atomic.Uint64

	// Bytes moved.
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64

	// Unexpected-message / overflow activity (C2, C4).
	UnexpectedMatched   atomic.Uint64 // PUT/PUT_OVERFLOW pairs resolved through C2
	OverflowBuffersUsed atomic.Uint64
	OverflowReclaimed   atomic.Uint64

	// Rendezvous activity (C5).
	RendezvousPulls      atomic.Uint64
	RendezvousDoneNotify atomic.Uint64
	RendezvousRetries    atomic.Uint64

	// Flow-control episodes (C7).
	FlowControlEntered atomic.Uint64
	FlowControlResumed atomic.Uint64
	PeerDrops          atomic.Uint64
}

// NewMetrics returns a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCompletion updates the completion counter matching kind.
func (m *Metrics) RecordCompletion(kind Kind) {
	switch kind {
	case KindOK:
		m.CompletionsOK.Add(1)
	case KindCanceled:
		m.CompletionsCanceled.Add(1)
	case KindTrunc:
		m.CompletionsTrunc.Add(1)
	default:
		m.CompletionsError.Add(1)
	}
}

// Snapshot is a point-in-time copy of Metrics, safe to hand to a caller
// without atomic access.
type Snapshot struct {
	CompletionsOK       uint64
	CompletionsCanceled uint64
	CompletionsTrunc    uint64
	CompletionsError    uint64

	SendEagerZero  uint64
	SendEagerIDC   uint64
	SendEagerDMA   uint64
	SendRendezvous uint64

	BytesSent     uint64
	BytesReceived uint64

	UnexpectedMatched   uint64
	OverflowBuffersUsed uint64
	OverflowReclaimed   uint64

	RendezvousPulls      uint64
	RendezvousDoneNotify uint64
	RendezvousRetries    uint64

	FlowControlEntered uint64
	FlowControlResumed uint64
	PeerDrops          uint64
}

// Snapshot copies every counter's current value.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CompletionsOK:        m.CompletionsOK.Load(),
		CompletionsCanceled:  m.CompletionsCanceled.Load(),
		CompletionsTrunc:     m.CompletionsTrunc.Load(),
		CompletionsError:     m.CompletionsError.Load(),
		SendEagerZero:        m.SendEagerZero.Load(),
		SendEagerIDC:         m.SendEagerIDC.Load(),
		SendEagerDMA:         m.SendEagerDMA.Load(),
		SendRendezvous:       m.SendRendezvous.Load(),
		BytesSent:            m.BytesSent.Load(),
		BytesReceived:        m.BytesReceived.Load(),
		UnexpectedMatched:    m.UnexpectedMatched.Load(),
		OverflowBuffersUsed:  m.OverflowBuffersUsed.Load(),
		OverflowReclaimed:    m.OverflowReclaimed.Load(),
		RendezvousPulls:      m.RendezvousPulls.Load(),
		RendezvousDoneNotify: m.RendezvousDoneNotify.Load(),
		RendezvousRetries:    m.RendezvousRetries.Load(),
		FlowControlEntered:   m.FlowControlEntered.Load(),
		FlowControlResumed:   m.FlowControlResumed.Load(),
		PeerDrops:            m.PeerDrops.Load(),
	}
}

// counterDesc pairs a Prometheus descriptor with the atomic counter it
// reports, mirroring the collector shape used for TCP socket stats
// elsewhere in this ecosystem.
type counterDesc struct {
	desc    *prometheus.Desc
	counter *atomic.Uint64
}

// Collector adapts Metrics to prometheus.Collector so an endpoint's
// counters can be registered with a process-wide registry.
type Collector struct {
	metrics  *Metrics
	counters []counterDesc
}

// NewCollector builds a Collector over m, with constLabels applied to
// every exported series (e.g. an endpoint or NIC identifier).
func NewCollector(m *Metrics, constLabels prometheus.Labels) *Collector {
	c := &Collector{metrics: m}
	def := func(name, help string, counter *atomic.Uint64) {
		c.counters = append(c.counters, counterDesc{
			desc:    prometheus.NewDesc("cxicore_"+name, help, nil, constLabels),
			counter: counter,
		})
	}
	def("completions_ok_total", "Requests completed OK.", &m.CompletionsOK)
	def("completions_canceled_total", "Requests completed CANCELED.", &m.CompletionsCanceled)
	def("completions_trunc_total", "Requests completed TRUNC.", &m.CompletionsTrunc)
	def("completions_error_total", "Requests completed with a provider error.", &m.CompletionsError)
	def("send_eager_zero_total", "Zero-length sends.", &m.SendEagerZero)
	def("send_eager_idc_total", "Sends via the inline-data-command path.", &m.SendEagerIDC)
	def("send_eager_dma_total", "Sends via the eager DMA path.", &m.SendEagerDMA)
	def("send_rendezvous_total", "Sends via the rendezvous path.", &m.SendRendezvous)
	def("bytes_sent_total", "Payload bytes sent.", &m.BytesSent)
	def("bytes_received_total", "Payload bytes received.", &m.BytesReceived)
	def("unexpected_matched_total", "PUT/PUT_OVERFLOW pairs resolved through the deferred-event table.", &m.UnexpectedMatched)
	def("overflow_buffers_used_total", "Overflow buffers posted to the NIC.", &m.OverflowBuffersUsed)
	def("overflow_buffers_reclaimed_total", "Overflow buffers returned to the cache.", &m.OverflowReclaimed)
	def("rendezvous_pulls_total", "Rendezvous RGet pulls issued.", &m.RendezvousPulls)
	def("rendezvous_done_notify_total", "Restricted-protocol done-notify messages sent.", &m.RendezvousDoneNotify)
	def("rendezvous_retries_total", "Done-notify retries on a transient event-queue-full status.", &m.RendezvousRetries)
	def("flow_control_entered_total", "Times the endpoint entered FLOW_CONTROL.", &m.FlowControlEntered)
	def("flow_control_resumed_total", "Times the endpoint resumed out of FLOW_CONTROL.", &m.FlowControlResumed)
	def("peer_drops_total", "Peers moved to the sender's drop/replay queue.", &m.PeerDrops)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		descs <- cd.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(out chan<- prometheus.Metric) {
	for _, cd := range c.counters {
		out <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.counter.Load()))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
