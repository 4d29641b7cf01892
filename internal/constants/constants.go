// Package constants holds compile-time sizing and timing constants shared
// across the engine's components.
package constants

import "time"

// Deferred-event table sizing (C2). The table size is a compile-time
// constant power of two, sized for a few thousand live unmatched
// unexpected messages without pathological bucket chains.
const (
	// DeferredTableBuckets is the number of buckets in the deferred-event
	// hash table. Must stay a power of two so DeferredTableMask below is
	// cheap to compute.
	DeferredTableBuckets = 4096
	DeferredTableMask    = DeferredTableBuckets - 1
)

// Rendezvous-event bookkeeping (C5). At most three events (Put/Put-Overflow,
// Rendezvous, Reply) or four when the restricted protocol's done-notify ack
// is in play.
const (
	MaxRendezvousEvents = 4
)

// Overflow pool defaults (C4), overridable via internal/config.
const (
	DefaultOverflowBufSize      = 2 << 20 // 2 MiB per overflow buffer
	DefaultOverflowMinPosted    = 4
	DefaultOverflowMaxCached    = 8
	DefaultOverflowMinHeadroom  = 1 << 16 // 64 KiB
	DefaultReqBufSize           = 1 << 20
	DefaultMinMultiRecv         = 64
	DefaultMaxConcurrentPulls   = 64 // TX-credit reservation ceiling for sw_matched rendezvous
)

// Send-path thresholds (C6), overridable via internal/config.
const (
	DefaultInjectSize    = 256
	DefaultRdzvEagerSize = 2 << 10  // 2 KiB eager-inline head carried with a rendezvous put
	DefaultRdzvThreshold = 16 << 10 // 16 KiB eager/rendezvous crossover
	DefaultMaxMsgSize    = 1 << 30
)

// Flow-control timing (C7 / §6.2). The only blocking call allowed in the
// event path: done-notify retry on a transient event-queue-full status.
const (
	DefaultFCRetryDelay = 50 * time.Microsecond
)

// CacheLineSize is used to round rendezvous pull addresses/offsets down to
// alignment, per §4.5's pull-issuance rule.
const CacheLineSize = 64
