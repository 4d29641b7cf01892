// Package config loads and validates the §6.3 configuration surface: match
// mode, hybrid preemption toggles, overflow/request buffer sizing,
// rendezvous thresholds, and provider limits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hpcfabric/cxicore/internal/constants"
)

// MatchMode selects the offload policy for the receive endpoint.
type MatchMode string

const (
	MatchModeHardware MatchMode = "hardware"
	MatchModeSoftware MatchMode = "software"
	MatchModeHybrid   MatchMode = "hybrid"
)

var validMatchModes = map[MatchMode]bool{
	MatchModeHardware: true,
	MatchModeSoftware: true,
	MatchModeHybrid:   true,
}

// RdzvProtocol selects the rendezvous wire protocol. Only "restricted" is
// implemented; "write" exists only to be rejected (§9 Open Question iii).
type RdzvProtocol string

const (
	RdzvProtocolRestricted RdzvProtocol = "restricted"
	RdzvProtocolWrite      RdzvProtocol = "write"
)

// Config is the top-level configuration for an endpoint.
type Config struct {
	// RxMatchMode controls offload policy and whether hybrid preemptive
	// transitions may fire.
	RxMatchMode MatchMode `yaml:"rx_match_mode"`

	// HybridPreemptive is the master switch for hybrid preemption, read
	// through HybridEnabled. The three specific toggles below are loaded
	// and defaulted but not consulted by the engine: they do not turn the
	// individual checks on or off.
	HybridPreemptive               bool `yaml:"hybrid_preemptive"`
	HybridRecvPreemptive           bool `yaml:"hybrid_recv_preemptive"`
	HybridPostedRecvPreemptive     bool `yaml:"hybrid_posted_recv_preemptive"`
	HybridUnexpectedMsgPreemptive  bool `yaml:"hybrid_unexpected_msg_preemptive"`

	// Overflow buffer pool sizing (C4).
	OflowBufSize      int `yaml:"oflow_buf_size"`
	OflowBufMinPosted int `yaml:"oflow_buf_min_posted"`
	OflowBufMaxCached int `yaml:"oflow_buf_max_cached"`

	// Request-list (software-managed) buffer size.
	ReqBufSize int `yaml:"req_buf_size"`

	// Rendezvous crossover and eager-inline size (C5, C6).
	RdzvThreshold int          `yaml:"rdzv_threshold"`
	RdzvEagerSize int          `yaml:"rdzv_eager_size"`
	RdzvGetMin    int          `yaml:"rdzv_get_min"`
	RdzvProtocol  RdzvProtocol `yaml:"rdzv_protocol"`

	// Done-notify retry interval (§4.5, §6.2).
	FCRetryDelay time.Duration `yaml:"fc_retry_usec_delay"`

	// DisableNonInjectMsgIDC forces DMA for non-inject payloads (C6).
	DisableNonInjectMsgIDC bool `yaml:"disable_non_inject_msg_idc"`

	// MsgOffload is the initial offload enable flag.
	MsgOffload bool `yaml:"msg_offload"`

	// Provider limits.
	InjectSize int    `yaml:"inject_size"`
	TagMask    uint64 `yaml:"tag_mask"`
	MaxMsgSz   int    `yaml:"max_msg_sz"`

	// MinMultiRecv is the multi-receive remaining-room threshold below
	// which a software-managed parent is treated as exhausted (§4.3.6).
	MinMultiRecv int `yaml:"min_multi_recv"`

	// MaxConcurrentPulls bounds the TX-credit reservation a software-matched
	// rendezvous receive must acquire before issuing its pull (§4.3.4).
	MaxConcurrentPulls int `yaml:"max_concurrent_pulls"`
}

// Default returns the configuration's defaults, matching the constants
// package's compile-time sizing.
func Default() *Config {
	return &Config{
		RxMatchMode:        MatchModeHybrid,
		HybridPreemptive:   true,
		HybridRecvPreemptive:          true,
		HybridPostedRecvPreemptive:    true,
		HybridUnexpectedMsgPreemptive: true,
		OflowBufSize:       constants.DefaultOverflowBufSize,
		OflowBufMinPosted:  constants.DefaultOverflowMinPosted,
		OflowBufMaxCached:  constants.DefaultOverflowMaxCached,
		ReqBufSize:         constants.DefaultReqBufSize,
		RdzvThreshold:      constants.DefaultRdzvThreshold,
		RdzvEagerSize:      constants.DefaultRdzvEagerSize,
		RdzvGetMin:         1,
		RdzvProtocol:       RdzvProtocolRestricted,
		FCRetryDelay:       constants.DefaultFCRetryDelay,
		MsgOffload:         true,
		InjectSize:         constants.DefaultInjectSize,
		TagMask:            ^uint64(0),
		MaxMsgSz:           constants.DefaultMaxMsgSize,
		MinMultiRecv:       constants.DefaultMinMultiRecv,
		MaxConcurrentPulls: constants.DefaultMaxConcurrentPulls,
	}
}

// Load reads the YAML file at path, unmarshals it onto the defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that cannot be honored.
func (c *Config) Validate() error {
	if !validMatchModes[c.RxMatchMode] {
		return fmt.Errorf("rx_match_mode %q is not one of hardware, software, hybrid", c.RxMatchMode)
	}
	if c.RdzvProtocol == RdzvProtocolWrite {
		return fmt.Errorf("rdzv_protocol %q is not implemented", c.RdzvProtocol)
	}
	if c.RdzvProtocol != RdzvProtocolRestricted {
		return fmt.Errorf("rdzv_protocol %q is unrecognized", c.RdzvProtocol)
	}
	if c.RdzvEagerSize > c.RdzvThreshold {
		return fmt.Errorf("rdzv_eager_size (%d) must not exceed rdzv_threshold (%d)", c.RdzvEagerSize, c.RdzvThreshold)
	}
	if c.InjectSize > c.RdzvThreshold {
		return fmt.Errorf("inject_size (%d) must not exceed rdzv_threshold (%d)", c.InjectSize, c.RdzvThreshold)
	}
	if c.OflowBufMinPosted <= 0 {
		return fmt.Errorf("oflow_buf_min_posted must be positive, got %d", c.OflowBufMinPosted)
	}
	if c.OflowBufMaxCached < 0 {
		return fmt.Errorf("oflow_buf_max_cached must not be negative, got %d", c.OflowBufMaxCached)
	}
	if c.OflowBufSize <= 0 {
		return fmt.Errorf("oflow_buf_size must be positive, got %d", c.OflowBufSize)
	}
	if c.MaxMsgSz <= 0 {
		return fmt.Errorf("max_msg_sz must be positive, got %d", c.MaxMsgSz)
	}
	if c.MaxConcurrentPulls <= 0 {
		return fmt.Errorf("max_concurrent_pulls must be positive, got %d", c.MaxConcurrentPulls)
	}
	if c.MinMultiRecv < 0 {
		return fmt.Errorf("min_multi_recv must not be negative, got %d", c.MinMultiRecv)
	}
	return nil
}

// HybridEnabled reports whether hybrid preemptive transitions may fire at
// all: RxMatchMode must be hybrid and the master switch must be set.
func (c *Config) HybridEnabled() bool {
	return c.RxMatchMode == MatchModeHybrid && c.HybridPreemptive
}
