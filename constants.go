package cxicore

import "github.com/hpcfabric/cxicore/internal/constants"

// Re-export the engine's compile-time sizing and timing constants for the
// public API, mirroring internal/constants.
const (
	DefaultOverflowBufSize    = constants.DefaultOverflowBufSize
	DefaultOverflowMinPosted  = constants.DefaultOverflowMinPosted
	DefaultOverflowMaxCached  = constants.DefaultOverflowMaxCached
	DefaultReqBufSize         = constants.DefaultReqBufSize
	DefaultMinMultiRecv       = constants.DefaultMinMultiRecv
	DefaultMaxConcurrentPulls = constants.DefaultMaxConcurrentPulls

	DefaultInjectSize    = constants.DefaultInjectSize
	DefaultRdzvEagerSize = constants.DefaultRdzvEagerSize
	DefaultRdzvThreshold = constants.DefaultRdzvThreshold
	DefaultMaxMsgSize    = constants.DefaultMaxMsgSize

	DefaultFCRetryDelay = constants.DefaultFCRetryDelay
)
